package catalog

// Group controls how captures of a category are announced to the user.
type Group struct {
	// Name is the display name shown in the capture notification. Paired
	// categories share one name.
	Name       string
	Standalone bool
	// PairedWith names the other half of a paired group.
	PairedWith string
	// Silent marks the secondary half of a pair.
	Silent bool
}

var groups = map[string]Group{
	"energy_by_month":      {Name: "Monthly Energy", Standalone: true},
	"energy_by_day":        {Name: "Daily Energy", PairedWith: "energy_by_trip"},
	"energy_by_trip":       {Name: "Daily Energy", PairedWith: "energy_by_day", Silent: true},
	"trips_report":         {Name: "Monthly Trips", Standalone: true},
	"trips_report_by_trip": {Name: "Daily Trips", Standalone: true},
}

// GroupOf returns the notification group for a category id.
func GroupOf(id string) (Group, bool) {
	g, ok := groups[id]
	return g, ok
}
