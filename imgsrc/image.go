package imgsrc

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"sync"

	"github.com/janelia-flyem/go/go.image/tiff"
	"github.com/janelia-flyem/slicecube/dvid"
)

// imageReader serves tiles out of a fully decoded TIFF or PNG slice.  Strip-based
// files can't be read a tile at a time, so the whole slice is decoded on the first
// tile request and kept until the reader is trimmed or closed.
type imageReader struct {
	path string
	info Info

	mu       sync.Mutex
	decoded  bool
	samples  []byte
	degraded error
}

func isTIFF(path string) bool {
	return dvid.Filename(path).HasExtensionPrefix("tif")
}

func decodeConfig(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, err
	}
	defer f.Close()
	br := bufio.NewReader(f)
	if isTIFF(path) {
		return tiff.DecodeConfig(br)
	}
	return png.DecodeConfig(br)
}

// sampleFormat maps a decoded color model to samples per pixel and bits per sample.
func sampleFormat(m color.Model) (spp, bps int, err error) {
	switch m {
	case color.GrayModel:
		return 1, 8, nil
	case color.Gray16Model:
		return 1, 16, nil
	case color.RGBAModel:
		return 3, 8, nil
	case color.NRGBAModel:
		return 4, 8, nil
	case color.RGBA64Model:
		return 3, 16, nil
	case color.NRGBA64Model:
		return 4, 16, nil
	}
	if _, ok := m.(color.Palette); ok {
		return 3, 8, nil
	}
	return 0, 0, fmt.Errorf("unsupported color model %T", m)
}

func probeImage(path string, tile int32) (Info, error) {
	cfg, err := decodeConfig(path)
	if err != nil {
		return Info{}, fmt.Errorf("unable to read header of %s: %v", path, err)
	}
	spp, bps, err := sampleFormat(cfg.ColorModel)
	if err != nil {
		return Info{}, fmt.Errorf("slice %s: %v", path, err)
	}
	return Info{
		Width:           int32(cfg.Width),
		Height:          int32(cfg.Height),
		TileWidth:       tile,
		TileHeight:      tile,
		SamplesPerPixel: spp,
		BitsPerSample:   bps,
	}, nil
}

func openImage(path string, tile int32) (*imageReader, error) {
	info, err := probeImage(path, tile)
	if err != nil {
		return nil, err
	}
	return &imageReader{path: path, info: info}, nil
}

func (r *imageReader) Info() Info {
	return r.info
}

func (r *imageReader) decode() {
	f, err := os.Open(r.path)
	if err != nil {
		r.degraded = err
		return
	}
	defer func() {
		dropCache(f)
		f.Close()
	}()
	var img image.Image
	br := bufio.NewReader(f)
	if isTIFF(r.path) {
		img, err = tiff.Decode(br)
	} else {
		img, err = png.Decode(br)
	}
	if err != nil {
		r.degraded = err
		return
	}
	b := img.Bounds()
	if int32(b.Dx()) != r.info.Width || int32(b.Dy()) != r.info.Height {
		r.degraded = fmt.Errorf("decoded size %dx%d differs from header", b.Dx(), b.Dy())
		return
	}
	r.samples = interleave(img, r.info)
}

// interleave converts a decoded image into row-major interleaved samples.
func interleave(img image.Image, info Info) []byte {
	w, h := int(info.Width), int(info.Height)
	bpp := info.BytesPerPixel()
	out := make([]byte, w*h*bpp)
	b := img.Bounds()
	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			copy(out[y*w:(y+1)*w], src.Pix[y*src.Stride:y*src.Stride+w])
		}
		return out
	case *image.Gray16:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+2*w]
			for x := 0; x < w; x++ {
				// image.Gray16 is big-endian
				out[(y*w+x)*2] = row[2*x+1]
				out[(y*w+x)*2+1] = row[2*x]
			}
		}
		return out
	}
	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.At(b.Min.X+x, b.Min.Y+y)
			var vals [4]uint32
			if info.SamplesPerPixel == 4 {
				n := color.NRGBA64Model.Convert(c).(color.NRGBA64)
				vals = [4]uint32{uint32(n.R), uint32(n.G), uint32(n.B), uint32(n.A)}
			} else {
				r, g, bl, _ := c.RGBA()
				vals = [4]uint32{r, g, bl, 0}
			}
			for s := 0; s < info.SamplesPerPixel; s++ {
				if info.BitsPerSample == 8 {
					out[i] = uint8(vals[s] >> 8)
					i++
				} else {
					out[i] = uint8(vals[s])
					out[i+1] = uint8(vals[s] >> 8)
					i += 2
				}
			}
		}
	}
	return out
}

func (r *imageReader) ReadTile(x, y int32) ([]byte, int32, int32, error) {
	if x < 0 || y < 0 || x >= r.info.Width || y >= r.info.Height ||
		x%r.info.TileWidth != 0 || y%r.info.TileHeight != 0 {
		return nil, 0, 0, fmt.Errorf("tile origin (%d,%d) not on tile grid of %s", x, y, r.path)
	}
	w, h := r.info.TileSize(x, y)
	bpp := int32(r.info.BytesPerPixel())
	tile := make([]byte, int64(w)*int64(h)*int64(bpp))

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.decoded {
		r.decode()
		r.decoded = true
	}
	if r.degraded != nil {
		return tile, w, h, fmt.Errorf("%w: %s: %v", ErrDegraded, r.path, r.degraded)
	}
	CopyRect(tile, x, y, w, r.samples, 0, 0, r.info.Width, r.info.Height, bpp, x, y, w, h)
	return tile, w, h, nil
}

// Trim drops the decoded slice.  The next tile read decodes it again, which also
// retries a degraded decode.
func (r *imageReader) Trim() {
	r.mu.Lock()
	r.samples, r.degraded, r.decoded = nil, nil, false
	r.mu.Unlock()
}

func (r *imageReader) Close() error {
	r.Trim()
	return nil
}
