package ffmpeg

import (
	"fmt"
)

// ScaleFilter represents a scale filter.
type ScaleFilter struct {
	Width  int // Use -1 or -2 for auto-calculate maintaining aspect ratio
	Height int // -2 keeps the dimension even
	// NoUpscale caps the width at the input width.
	NoUpscale bool
}

// String returns the ffmpeg filter string.
func (s ScaleFilter) String() string {
	if s.NoUpscale && s.Width > 0 {
		return fmt.Sprintf("scale='min(iw,%d)':%d", s.Width, s.Height)
	}
	return fmt.Sprintf("scale=%d:%d", s.Width, s.Height)
}

// Scale adds a scale filter.
func Scale(width, height int) Option {
	return Filter(ScaleFilter{Width: width, Height: height}.String())
}

// ScaleWidth scales to a specific width, auto-calculating height with even dimensions.
func ScaleWidth(width int) Option {
	return Scale(width, -2)
}

// ScaleMaxWidth is ScaleWidth for inputs that may already be narrower than width.
func ScaleMaxWidth(width int) Option {
	return Filter(ScaleFilter{Width: width, Height: -2, NoUpscale: true}.String())
}
