package photo

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
)

func samplePNG(t *testing.T, width int, height int) []byte {
	t.Helper()
	canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			canvas.Set(x, y, color.NRGBA{R: uint8(40 * x), G: uint8(30 * y), B: 120, A: 255})
		}
	}
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, canvas); err != nil {
		t.Fatalf("encode sample: %v", err)
	}
	return buffer.Bytes()
}

func TestProcessDefaultPipelineEmitsPNG(t *testing.T) {
	processor := NewProcessor(Config{})

	output, err := processor.Process(context.Background(), bytes.NewReader(samplePNG(t, 6, 4)), Request{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	decoded, format, err := image.Decode(bytes.NewReader(output))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "png" {
		t.Fatalf("expected png output, got %s", format)
	}
	if decoded.Bounds().Dx() != 6 || decoded.Bounds().Dy() != 4 {
		t.Fatalf("expected dimensions to be preserved, got %v", decoded.Bounds())
	}
}

func TestProcessMannequinRequiresPrompt(t *testing.T) {
	processor := NewProcessor(Config{})
	input := samplePNG(t, 6, 4)

	plain, err := processor.Process(context.Background(), bytes.NewReader(input), Request{})
	if err != nil {
		t.Fatalf("plain: %v", err)
	}
	withoutPrompt, err := processor.Process(context.Background(), bytes.NewReader(input), Request{Operation: OperationMannequinReplacement})
	if err != nil {
		t.Fatalf("without prompt: %v", err)
	}
	styled, err := processor.Process(context.Background(), bytes.NewReader(input), Request{
		Operation: OperationMannequinReplacement,
		Prompt:    "Replace the model with a professional white mannequin",
	})
	if err != nil {
		t.Fatalf("styled: %v", err)
	}

	if !bytes.Equal(plain, withoutPrompt) {
		t.Fatalf("expected the default pipeline when no prompt is supplied")
	}
	if bytes.Equal(plain, styled) {
		t.Fatalf("expected the mannequin filter to change the output")
	}
}

func TestProcessRejectsInvalidInput(t *testing.T) {
	testCases := []struct {
		name     string
		input    []byte
		config   Config
		expected error
	}{
		{name: "empty", input: nil, expected: ErrEmptyInput},
		{name: "not an image", input: []byte("plain text"), expected: ErrDecodeFailed},
		{name: "too many bytes", input: bytes.Repeat([]byte{1}, 64), config: Config{MaxInputBytes: 32}, expected: ErrInputTooLarge},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			processor := NewProcessor(testCase.config)
			_, err := processor.Process(context.Background(), bytes.NewReader(testCase.input), Request{})
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestProcessRejectsOversizedDimensions(t *testing.T) {
	processor := NewProcessor(Config{MaxPixels: 10})

	_, err := processor.Process(context.Background(), bytes.NewReader(samplePNG(t, 6, 4)), Request{})
	if !errors.Is(err, ErrInputTooLarge) {
		t.Fatalf("expected ErrInputTooLarge, got %v", err)
	}
}

func TestProcessHonorsCancellation(t *testing.T) {
	processor := NewProcessor(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := processor.Process(ctx, strings.NewReader(string(samplePNG(t, 2, 2))), Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
