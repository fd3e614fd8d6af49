// Package stretch implements a real-time time-stretch processing node.
//
// A Node renders a decoded asset block by block on its own goroutine while
// connected to a destination. Tempo is applied by varispeed resampling and
// the resulting pitch change is undone (and the requested transposition
// applied) by a WSOLA pitch shifter, so the two parameters stay independent.
// After every rendered block the node reports how much of the unstretched
// asset has been played.
package stretch
