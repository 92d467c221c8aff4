package mqtt

import "fmt"

// TopicPrefix is the base for all launcher topics.
const TopicPrefix = "llbot/launcher"

// Topics builds topic names for one launcher instance.
//
//	topics := mqtt.Topics{Instance: "home"}
//	topics.State() // "llbot/launcher/home/state"
type Topics struct {
	Instance string
}

func (t Topics) instance() string {
	if t.Instance == "" {
		return "default"
	}
	return t.Instance
}

// State returns the retained state topic.
func (t Topics) State() string {
	return fmt.Sprintf("%s/%s/state", TopicPrefix, t.instance())
}

// Event returns the event topic.
func (t Topics) Event() string {
	return fmt.Sprintf("%s/%s/event", TopicPrefix, t.instance())
}

// AllStates returns a wildcard matching every instance's state.
func (Topics) AllStates() string {
	return TopicPrefix + "/+/state"
}
