package device

// Assigned names for the attributes the CLI is most likely to show. Lookups
// for anything else return "".
var knownNames = map[Identity]string{
	ShortIdentity(0x1800): "Generic Access",
	ShortIdentity(0x1801): "Generic Attribute",
	ShortIdentity(0x180a): "Device Information",
	ShortIdentity(0x180d): "Heart Rate",
	ShortIdentity(0x180f): "Battery",
	ShortIdentity(0x1809): "Health Thermometer",
	ShortIdentity(0x181a): "Environmental Sensing",

	ShortIdentity(0x2a00): "Device Name",
	ShortIdentity(0x2a01): "Appearance",
	ShortIdentity(0x2a04): "Peripheral Preferred Connection Parameters",
	ShortIdentity(0x2a05): "Service Changed",
	ShortIdentity(0x2a19): "Battery Level",
	ShortIdentity(0x2a24): "Model Number String",
	ShortIdentity(0x2a25): "Serial Number String",
	ShortIdentity(0x2a26): "Firmware Revision String",
	ShortIdentity(0x2a27): "Hardware Revision String",
	ShortIdentity(0x2a28): "Software Revision String",
	ShortIdentity(0x2a29): "Manufacturer Name String",
	ShortIdentity(0x2a37): "Heart Rate Measurement",
	ShortIdentity(0x2a6e): "Temperature",

	ShortIdentity(0x2900): "Characteristic Extended Properties",
	ShortIdentity(0x2901): "Characteristic User Description",
	ShortIdentity(0x2902): "Client Characteristic Configuration",
	ShortIdentity(0x2903): "Server Characteristic Configuration",
	ShortIdentity(0x2904): "Characteristic Presentation Format",
	ShortIdentity(0x2906): "Valid Range",

	MustParseIdentity("6e400001-b5a3-f393-e0a9-e50e24dcca9e"): "Nordic UART",
	MustParseIdentity("6e400002-b5a3-f393-e0a9-e50e24dcca9e"): "Nordic UART RX",
	MustParseIdentity("6e400003-b5a3-f393-e0a9-e50e24dcca9e"): "Nordic UART TX",
}

// Name returns the assigned name of id, or "".
func (id Identity) Name() string {
	return knownNames[id]
}
