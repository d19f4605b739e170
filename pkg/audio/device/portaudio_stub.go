//go:build !portaudio

package device

import "fmt"

// PortAudioAvailable reports whether the binary was built with PortAudio.
const PortAudioAvailable = false

func newPortAudio(Config) (Provider, error) {
	return nil, fmt.Errorf("%w: built without portaudio (rebuild with -tags portaudio or use the file backend)", ErrDevice)
}
