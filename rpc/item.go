package rpc

// Stage is the stage of the item in the slot.
type Stage int

// Item stages. Items move only towards the past.
const (
	StagePastCommitted Stage = iota + 1
	StagePastVolatile
	StageInProgress
	StageFuture
)

var stageNames = map[Stage]string{
	StagePastCommitted: "past-committed",
	StagePastVolatile:  "past-volatile",
	StageInProgress:    "in-progress",
	StageFuture:        "future",
}

func (s Stage) String() string {
	return stageNames[s]
}

// IsPast returns true if reply for the item has been received.
func (s Stage) IsPast() bool {
	return s == StagePastCommitted || s == StagePastVolatile
}

// NewItem creates new item.
func NewItem(update bool, payload []byte) *Item {
	return &Item{
		Update:  update,
		Payload: payload,
		stage:   StageFuture,
	}
}

// Item is the request or reply exchanged through the slot. State of the item is guarded by the session lock.
type Item struct {
	Ref     SlotRef
	Update  bool
	Payload []byte
	// Err is the error carried by the reply.
	Err error

	stage    Stage
	reply    *Item
	inFlight bool
}

// Stage returns stage of the item.
func (i *Item) Stage() Stage {
	return i.stage
}

// Reply returns reply received for the item.
func (i *Item) Reply() *Item {
	return i.reply
}
