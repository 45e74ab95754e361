package devices

import (
	"fmt"
	"strings"
)

// Event action segments.
const (
	ActionAdded   = "added"
	ActionUpdated = "updated"
	ActionRemoved = "removed"
	ActionStatus  = "status"
)

// Command action segments.
const (
	CommandScan   = "scan"
	CommandAdd    = "add"
	CommandUpdate = "update"
	CommandRemove = "remove"
)

// EventTopic builds the concrete topic for a device lifecycle event,
// e.g. event/network_devices/added/192.168.1.10:554.
func EventTopic(domain Domain, action, deviceID string) string {
	return fmt.Sprintf("event/%s_devices/%s/%s", domain, action, deviceID)
}

// EventPattern builds the wildcard pattern matching every device ID for
// one action, e.g. event/local_devices/status/#.
func EventPattern(domain Domain, action string) string {
	return fmt.Sprintf("event/%s_devices/%s/#", domain, action)
}

// CommandTopic builds the topic a manager listens on for one command,
// e.g. command/network_devices/scan.
func CommandTopic(domain Domain, action string) string {
	return fmt.Sprintf("command/%s_devices/%s", domain, action)
}

// ParseEventTopic is the inverse of EventTopic. ok is false for topics
// outside the event/<domain>_devices/<action>/<device_id> family.
func ParseEventTopic(topic string) (Domain, string, string, bool) {
	parts := strings.SplitN(topic, "/", 4)
	if len(parts) != 4 || parts[0] != "event" {
		return "", "", "", false
	}

	name, found := strings.CutSuffix(parts[1], "_devices")
	if !found {
		return "", "", "", false
	}

	domain := Domain(name)
	if domain != DomainLocal && domain != DomainNetwork {
		return "", "", "", false
	}

	if parts[2] == "" || parts[3] == "" {
		return "", "", "", false
	}

	return domain, parts[2], parts[3], true
}
