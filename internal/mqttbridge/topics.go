package mqttbridge

import (
	"encoding/json"
	"strings"
	"time"
)

// outboundTopic maps an internal bus topic onto the broker namespace.
func outboundTopic(prefix, busTopic string) string {
	return prefix + "/" + busTopic
}

// inboundTopic maps a broker topic back onto the internal bus. Only
// command traffic under our prefix crosses inward; everything else is
// dropped so republished events can never loop back.
func inboundTopic(prefix, mqttTopic string) (string, bool) {
	rest, found := strings.CutPrefix(mqttTopic, prefix+"/")
	if !found {
		return "", false
	}

	if !strings.HasPrefix(rest, "command/") {
		return "", false
	}

	return rest, true
}

// statusTopic is where the bridge announces its own presence.
func statusTopic(prefix string) string {
	return prefix + "/bridge/status"
}

// commandPattern is the broker-side subscription covering every
// inbound command.
func commandPattern(prefix string) string {
	return prefix + "/command/#"
}

type presence struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func presencePayload(clientID, status, reason string) []byte {
	data, _ := json.Marshal(presence{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})

	return data
}
