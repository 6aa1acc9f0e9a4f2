// Copyright (C) 2025 Dyne.org foundation
// designed, written and maintained by Denis Roio <jaromil@dyne.org>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package handlers

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

type resizeArgs struct {
	Input  string `json:"input" arg:"path" jsonschema:"description=Image file (png, jpeg, gif, webp or bmp)"`
	Output string `json:"output" arg:"path" jsonschema:"description=Output image; the extension selects the format"`
	Width  int    `json:"width,omitempty" arg:"integer" validate:"omitempty,min=1,max=10000" jsonschema:"description=Target width in pixels"`
	Height int    `json:"height,omitempty" arg:"integer" validate:"omitempty,min=1,max=10000" jsonschema:"description=Target height in pixels"`
}

const jpegQuality = 85

func (e *env) resizeImage(_ context.Context, args resizeArgs) (string, error) {
	data, err := e.Guard.ReadFile(args.Input)
	if err != nil {
		return "", err
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	if bounds.Empty() {
		return "", fmt.Errorf("image has no pixels")
	}
	width, height := targetSize(bounds.Dx(), bounds.Dy(), args.Width, args.Height)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	switch ext := strings.ToLower(filepath.Ext(args.Output)); ext {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality})
	case ".png":
		err = (&png.Encoder{CompressionLevel: png.BestCompression}).Encode(&buf, dst)
	case ".gif":
		err = gif.Encode(&buf, dst, nil)
	default:
		return "", fmt.Errorf("unsupported output format %q", ext)
	}
	if err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}

	out, err := e.writeOutput(args.Output, buf.String())
	if err != nil {
		return "", err
	}
	return wrote(fmt.Sprintf("resized %s image from %dx%d to %dx%d (%d -> %d bytes)",
		format, bounds.Dx(), bounds.Dy(), width, height, len(data), buf.Len()), out), nil
}

// targetSize halves the image when no size is requested and keeps the aspect
// ratio when only one side is given.
func targetSize(srcW, srcH, width, height int) (int, int) {
	switch {
	case width > 0 && height > 0:
		return width, height
	case srcW <= 0 || srcH <= 0:
		return max(1, width), max(1, height)
	case width > 0:
		return width, max(1, srcH*width/srcW)
	case height > 0:
		return max(1, srcW*height/srcH), height
	default:
		return max(1, srcW/2), max(1, srcH/2)
	}
}
