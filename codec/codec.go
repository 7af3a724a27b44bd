package codec

import (
	"strings"
	"sync"

	"github.com/galaxy-iot/extender/av"
)

// Format describes how the units of one codec are fed to the muxing stage.
type Format struct {
	Name string
	Kind av.MediaKind
	// prepend 00 00 00 01 to every unit written into the pipe
	StartCode bool
	// InputArgs returns the demuxer hints placed in front of the pipe input.
	InputArgs func(m *av.MediaDescriptor) []string
}

var (
	formats     = map[string]*Format{}
	formatsLock = sync.RWMutex{}
)

func RegisterFormat(f *Format) {
	formatsLock.Lock()
	defer formatsLock.Unlock()
	formats[strings.ToUpper(f.Name)] = f
}

// GetFormat returns the registered format for a codec name, nil when the
// codec is not on the whitelist.
func GetFormat(name string) *Format {
	formatsLock.RLock()
	defer formatsLock.RUnlock()
	return formats[strings.ToUpper(name)]
}

// Supported reports whether a descriptor can be fed to the pipeline.
func Supported(m *av.MediaDescriptor) bool {
	if m == nil {
		return false
	}

	f := GetFormat(m.Codec)
	return f != nil && f.Kind == m.Kind
}
