package utils

import "time"

// gatewayZone is East Africa Time; the gateway expects local timestamps and EAT has no DST.
var gatewayZone = time.FixedZone("EAT", 3*60*60)

const gatewayTimestampLayout = "20060102150405"

// GatewayTimestamp formats t as the YYYYMMDDHHmmss timestamp used in push passwords.
func GatewayTimestamp(t time.Time) string {
	return t.In(gatewayZone).Format(gatewayTimestampLayout)
}

func ParseGatewayTimestamp(value string) (time.Time, error) {
	return time.ParseInLocation(gatewayTimestampLayout, value, gatewayZone)
}
