package types

// NarrationMessage is a single utterance planned from an analysis result.
// Higher priority is more urgent.
type NarrationMessage struct {
	Text      string `json:"text"`
	Priority  int    `json:"priority"`
	Interrupt bool   `json:"interrupt"`
}
