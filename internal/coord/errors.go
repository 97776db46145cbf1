package coord

import "errors"

var (
	// ErrFailClosed refuses every scheduling operation after persisted state
	// was found corrupt. The operator must repair or reset the snapshot;
	// the coordinator never guesses.
	ErrFailClosed = errors.New("coordinator is fail-closed on corrupt state")

	// ErrCapacity reports an internal admission-invariant breach: more items
	// active than the current limit allows. It indicates a coordinator bug,
	// not an operator error.
	ErrCapacity = errors.New("active items exceed wip limit")

	// ErrNoSlot rejects an overnight admission while every wip slot is held,
	// typically by daytime work still running when the window opens. The
	// runner waits for a slot to drain instead of skipping the item.
	ErrNoSlot = errors.New("no free wip slot")

	ErrNotActive = errors.New("item is not active")
)
