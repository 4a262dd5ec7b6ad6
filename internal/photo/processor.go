// Package photo normalizes product photos for the catalog.
package photo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/disintegration/imaging"
)

// OperationMannequinReplacement selects the mannequin styling filter.
const OperationMannequinReplacement = "mannequin_replacement"

const (
	// DefaultMaxInputBytes bounds the upload read by Process.
	DefaultMaxInputBytes = 20 << 20
	// DefaultMaxPixels bounds the decoded image area.
	DefaultMaxPixels = 40_000_000

	sharpenSigma = 1.0
)

var (
	ErrEmptyInput    = errors.New("photo.empty_input")
	ErrInputTooLarge = errors.New("photo.input_too_large")
	ErrDecodeFailed  = errors.New("photo.decode_failed")
	ErrEncodeFailed  = errors.New("photo.encode_failed")
)

// Request describes how an upload should be transformed.
type Request struct {
	Operation string
	Prompt    string
}

// MannequinStyled reports whether the mannequin filter applies. A prompt is required.
func (request Request) MannequinStyled() bool {
	return request.Operation == OperationMannequinReplacement && strings.TrimSpace(request.Prompt) != ""
}

// Config bounds the work a Processor accepts.
type Config struct {
	MaxInputBytes int64
	MaxPixels     int
}

// Processor decodes, filters, and re-encodes images as PNG.
type Processor struct {
	maxInputBytes int64
	maxPixels     int
}

// NewProcessor builds a Processor; zero limits select the defaults.
func NewProcessor(configuration Config) *Processor {
	processor := &Processor{
		maxInputBytes: configuration.MaxInputBytes,
		maxPixels:     configuration.MaxPixels,
	}
	if processor.maxInputBytes <= 0 {
		processor.maxInputBytes = DefaultMaxInputBytes
	}
	if processor.maxPixels <= 0 {
		processor.maxPixels = DefaultMaxPixels
	}
	return processor
}

// Process applies the pipeline selected by request to the image read from input
// and returns PNG bytes. Orientation from EXIF metadata is always applied.
func (processor *Processor) Process(ctx context.Context, input io.Reader, request Request) ([]byte, error) {
	raw, readErr := io.ReadAll(io.LimitReader(input, processor.maxInputBytes+1))
	if readErr != nil {
		return nil, fmt.Errorf("photo.process.read: %w", readErr)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyInput
	}
	if int64(len(raw)) > processor.maxInputBytes {
		return nil, ErrInputTooLarge
	}

	dimensions, _, configErr := image.DecodeConfig(bytes.NewReader(raw))
	if configErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, configErr)
	}
	if dimensions.Width*dimensions.Height > processor.maxPixels {
		return nil, ErrInputTooLarge
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	decoded, decodeErr := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, decodeErr)
	}

	var result image.Image
	if request.MannequinStyled() {
		result = mannequinStyle(decoded)
	} else {
		result = imaging.Sharpen(decoded, sharpenSigma)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var encoded bytes.Buffer
	if encodeErr := imaging.Encode(&encoded, result, imaging.PNG); encodeErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodeFailed, encodeErr)
	}
	return encoded.Bytes(), nil
}

// mannequinStyle brightens by 10%, desaturates by 20%, sharpens, and lifts gamma.
func mannequinStyle(source image.Image) image.Image {
	adjusted := imaging.AdjustBrightness(source, 10)
	adjusted = imaging.AdjustSaturation(adjusted, -20)
	adjusted = imaging.Sharpen(adjusted, sharpenSigma)
	return imaging.AdjustGamma(adjusted, 1.2)
}
