package capture

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"

	"github.com/xkilldash9x/xpmate-capture/internal/upload"
)

//go:embed page.html.tmpl
var pageFS embed.FS

const pageFilename = "page.html.tmpl"

// HTMLContentType is sent with every trigger page.
const HTMLContentType = "text/html;charset=UTF-8"

var pageTemplate = template.Must(template.ParseFS(pageFS, pageFilename))

const (
	colorSuccess = "#4caf50"
	colorFailure = "#f44336"
	colorNeutral = "#666"
)

type pageData struct {
	Title     string
	Color     template.CSS
	Lines     []string
	Checklist []string
}

// pageFor describes an upload outcome for the phone's browser.
func pageFor(out upload.Outcome, serverURL string) pageData {
	switch out.Kind {
	case upload.Succeeded:
		return pageData{
			Title: "Upload succeeded",
			Color: colorSuccess,
			Lines: []string{
				fmt.Sprintf("Sent %d requests to the server.", out.Count),
				"The data is being processed in the background.",
			},
		}
	case upload.Failed:
		return pageData{
			Title: "Upload failed",
			Color: colorFailure,
			Lines: []string{
				"Could not reach the server.",
				fmt.Sprintf("Reason: %v", out.Err),
				"Please check:",
			},
			Checklist: []string{
				"The XPMATE server on your computer is running.",
				"The phone is on the same Wi-Fi network.",
				fmt.Sprintf("The server address %s is correct.", serverURL),
			},
		}
	default:
		return pageData{
			Title: "Nothing to upload",
			Color: colorNeutral,
			Lines: []string{
				"There is no captured data waiting to be sent.",
				"It may have been uploaded already.",
			},
		}
	}
}

func renderPage(data pageData) ([]byte, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute page template: %w", err)
	}
	return buf.Bytes(), nil
}
