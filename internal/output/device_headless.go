//go:build headless

package output

// Device stands in for the sound card in headless builds; frames are discarded.
type Device struct{}

var headless Null

// NewContext returns a discarding context.
func (Device) NewContext() (Context, error) {
	return headless.NewContext()
}
