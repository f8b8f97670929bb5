package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"image"
	"mime"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"thirdcoast.systems/clipscan/internal/failure"
	"thirdcoast.systems/clipscan/pkg/ffmpeg"
)

// Variant is one rendered thumbnail size. Height follows the aspect ratio.
type Variant struct {
	Name  string
	Width int
}

// Variants are rendered for every clip.
var Variants = []Variant{
	{Name: "xs", Width: 160},
	{Name: "sm", Width: 320},
	{Name: "md", Width: 640},
	{Name: "lg", Width: 1280},
}

// DefaultVariant is the variant recorded as the clip's thumbnail path.
const DefaultVariant = "md"

// ErrUnsupportedMedia is returned for content types no transcoder handles.
var ErrUnsupportedMedia = errors.New("unsupported media type")

// Output is one rendered variant written to a file in the output directory.
type Output struct {
	Variant Variant
	Path    string
}

// Transcoder renders variants of the media file src into outDir.
type Transcoder interface {
	Transcode(ctx context.Context, src, contentType, outDir string, variants []Variant) ([]Output, error)
}

func outputPath(outDir string, v Variant) string {
	return filepath.Join(outDir, v.Name+".jpg")
}

// FFmpegTranscoder extracts one still frame per variant from a video.
type FFmpegTranscoder struct {
	// Quality is the ffmpeg JPEG quality, 2 (best) to 31.
	Quality int

	probe   func(ctx context.Context, path string) (*ffmpeg.ProbeResult, error)
	extract func(ctx context.Context, input, output string, opts ffmpeg.FrameOptions) ffmpeg.RunResult
}

func NewFFmpegTranscoder() *FFmpegTranscoder {
	return &FFmpegTranscoder{Quality: 4, probe: ffmpeg.Probe, extract: ffmpeg.ExtractFrame}
}

func (t *FFmpegTranscoder) Transcode(ctx context.Context, src, contentType, outDir string, variants []Variant) ([]Output, error) {
	info, err := t.probe(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure.Permanent(fmt.Errorf("probe %s: %w", contentType, err))
	}
	if info.VideoStreams == 0 {
		return nil, failure.Permanentf("probe %s: no video stream", contentType)
	}

	offset := ffmpeg.FrameOffset(info.Duration)
	out := make([]Output, 0, len(variants))
	for _, v := range variants {
		path := outputPath(outDir, v)
		res := t.extract(ctx, src, path, ffmpeg.FrameOptions{Offset: offset, MaxWidth: v.Width, Quality: t.Quality})
		if res.Err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, failure.Permanent(fmt.Errorf("extract %s frame: %w", v.Name, res.Err))
		}
		out = append(out, Output{Variant: v, Path: path})
	}
	return out, nil
}

// ImagingTranscoder resizes still images.
type ImagingTranscoder struct {
	// Quality is the JPEG quality, 1 to 100.
	Quality int
}

func NewImagingTranscoder() *ImagingTranscoder {
	return &ImagingTranscoder{Quality: 85}
}

func (t *ImagingTranscoder) Transcode(ctx context.Context, src, contentType, outDir string, variants []Variant) ([]Output, error) {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return nil, failure.Permanent(fmt.Errorf("decode %s: %w", contentType, err))
	}

	out := make([]Output, 0, len(variants))
	for _, v := range variants {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := outputPath(outDir, v)
		if err := imaging.Save(fit(img, v.Width), path, imaging.JPEGQuality(t.Quality)); err != nil {
			return nil, fmt.Errorf("encode %s: %w", v.Name, err)
		}
		out = append(out, Output{Variant: v, Path: path})
	}
	return out, nil
}

// fit scales img down to width. Narrower images are kept at their size.
func fit(img image.Image, width int) image.Image {
	if img.Bounds().Dx() <= width {
		return img
	}
	return imaging.Resize(img, width, 0, imaging.Lanczos)
}

// MediaTranscoder routes by content type.
type MediaTranscoder struct {
	Video Transcoder
	Image Transcoder
}

func NewMediaTranscoder() *MediaTranscoder {
	return &MediaTranscoder{Video: NewFFmpegTranscoder(), Image: NewImagingTranscoder()}
}

func (t *MediaTranscoder) Transcode(ctx context.Context, src, contentType, outDir string, variants []Variant) ([]Output, error) {
	mt := mediaType(contentType)
	switch {
	case strings.HasPrefix(mt, "video/"):
		return t.Video.Transcode(ctx, src, mt, outDir, variants)
	case strings.HasPrefix(mt, "image/"):
		return t.Image.Transcode(ctx, src, mt, outDir, variants)
	default:
		return nil, failure.Permanent(fmt.Errorf("%w: %q", ErrUnsupportedMedia, contentType))
	}
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
