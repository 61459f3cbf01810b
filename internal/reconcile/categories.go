package reconcile

// Category is the normalized (type, unit) pair a vendor category label
// maps to.
type Category struct {
	Type string
	Unit string
}

// FROST "Klasse" labels. Charging and parking classes keep the label as
// type; traffic counter classes collapse onto one type per vehicle kind.
var frostCategories = map[string]Category{
	"E-Ladepunkt":     {Type: "E-Ladepunkt", Unit: "Occupancy status"},
	"Parkobjekt":      {Type: "Parkobjekt", Unit: "Vacant Spaces"},
	"ParkingArea":     {Type: "ParkingArea", Unit: "Vacant Spaces"},
	"ParkingLocation": {Type: "ParkingLocation", Unit: "Vacant Spaces"},
	"cC1":             {Type: "motor traffic measurement", Unit: "Vehicles Counted"},
	"cC2":             {Type: "motor traffic measurement", Unit: "Vehicles Counted"},
	"cC3":             {Type: "motor traffic measurement", Unit: "Vehicles Counted"},
	"vC1":             {Type: "motor traffic measurement", Unit: "Vehicles Counted"},
	"vC2":             {Type: "motor traffic measurement", Unit: "Vehicles Counted"},
	"vC3":             {Type: "motor traffic measurement", Unit: "Vehicles Counted"},
	"Bike":            {Type: "bike traffic measurement", Unit: "Bikes counted"},
	"Wetter":          {Type: "Wetter", Unit: "unknown"},
}

// Sensor box payload keys, two-step in the vendor firmware: payload key to
// type, then type to unit. Flattened here.
var boxTypes = map[string]string{
	"hum":          "humidity",
	"blu":          "bluetooth",
	"ble":          "bluetooth",
	"temp":         "temperature",
	"wifi":         "wifi",
	"co2":          "CO2",
	"pm10":         "PM10",
	"pm25":         "PM2.5",
	"vehicles":     "motor traffic measurement",
	"smallvehicle": "small vehicles measurement",
	"bigvehicle":   "big vehicles measurement",
}

var boxUnits = map[string]string{
	"CO2":                        "µg/m³",
	"PM10":                       "µg/m³",
	"PM2.5":                      "µg/m³",
	"wifi":                       "connections counted",
	"bluetooth":                  "connections counted",
	"temperature":                "°C",
	"humidity":                   "%",
	"loudness":                   "dB",
	"motor traffic measurement":  "Vehicles counted",
	"small vehicles measurement": "Vehicles counted",
	"big vehicles measurement":   "Vehicles counted",
}

// Speed segment stream labels. Closed state and congestion bucket are
// dimensionless.
var inrixCategories = map[string]Category{
	"speed":               {Type: "speed", Unit: "km/h"},
	"average speed":       {Type: "average speed", Unit: "km/h"},
	"segment closed":      {Type: "segment closed", Unit: "None"},
	"reference speed":     {Type: "reference speed", Unit: "km/h"},
	"travel time":         {Type: "travel time", Unit: "minutes"},
	"level of congestion": {Type: "level of congestion", Unit: "None"},
}

// LANUV air quality measurands, all reported in µg/m³.
var lanuvCategories = map[string]Category{
	"Ozon": {Type: "Ozon", Unit: "µg/m³"},
	"SO2":  {Type: "SO2", Unit: "µg/m³"},
	"NO2":  {Type: "NO2", Unit: "µg/m³"},
	"PM10": {Type: "PM10", Unit: "µg/m³"},
}

// Community sensor value fields.
var communityCategories = map[string]Category{
	"P1":          {Type: "PM10", Unit: "µg/m³"},
	"P2":          {Type: "PM2.5", Unit: "µg/m³"},
	"pressure":    {Type: "air pressure", Unit: "Pa"},
	"temperature": {Type: "temperature", Unit: "°C"},
	"humidity":    {Type: "humidity", Unit: "%"},
}

// Classify maps a vendor category label to a normalized (type, unit) pair.
// Tables are consulted in fixed priority order so overlapping labels always
// resolve the same way: FROST classes first, then LANUV measurands and
// speed segment labels, then box payload keys, then community value
// fields. The second return is false only when no table
// knows the label.
func Classify(label string) (Category, bool) {
	if c, ok := frostCategories[label]; ok {
		return c, true
	}
	if c, ok := lanuvCategories[label]; ok {
		return c, true
	}
	if c, ok := inrixCategories[label]; ok {
		return c, true
	}
	if typ, ok := boxTypes[label]; ok {
		return Category{Type: typ, Unit: boxUnits[typ]}, true
	}
	// Labels already normalized to a box type (adapters re-submitting
	// stored types) still classify.
	if unit, ok := boxUnits[label]; ok {
		return Category{Type: label, Unit: unit}, true
	}
	if c, ok := communityCategories[label]; ok {
		return c, true
	}
	return Category{}, false
}
