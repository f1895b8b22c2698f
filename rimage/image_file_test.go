package rimage

import (
	"context"
	"image"
	"image/color"
	"testing"

	"go.viam.com/test"

	"go.viam.com/objrec/utils"
)

func testImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 8))
	for x := 0; x < 4; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.NRGBA{uint8(x * 60), uint8(y * 30), 7, 255})
		}
	}
	img.Set(3, 3, color.NRGBA{255, 0, 0, 255})
	return img
}

func TestLosslessRoundTrip(t *testing.T) {
	img := testImage()
	for _, mimeType := range []string{
		utils.MimeTypePNG,
		utils.MimeTypeQOI,
		utils.MimeTypePPM,
		utils.MimeTypeBMP,
		utils.MimeTypeTIFF,
	} {
		t.Run(mimeType, func(t *testing.T) {
			encoded, err := EncodeImage(context.Background(), img, mimeType)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, encoded, test.ShouldNotBeEmpty)

			decoded, err := DecodeImage(context.Background(), encoded, mimeType)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, decoded.Bounds(), test.ShouldResemble, img.Bounds())
			r, g, b, _ := decoded.At(3, 3).RGBA()
			test.That(t, r>>8, test.ShouldEqual, 255)
			test.That(t, g>>8, test.ShouldEqual, 0)
			test.That(t, b>>8, test.ShouldEqual, 0)

			// content sniffing finds the same image
			sniffed, err := DecodeImage(context.Background(), encoded, "")
			if mimeType == utils.MimeTypePNG || mimeType == utils.MimeTypeQOI {
				test.That(t, err, test.ShouldBeNil)
				test.That(t, sniffed.Bounds(), test.ShouldResemble, img.Bounds())
			}
		})
	}
}

func TestEncodeImageErrors(t *testing.T) {
	_, err := EncodeImage(context.Background(), nil, utils.MimeTypePNG)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = EncodeImage(context.Background(), image.NewNRGBA(image.Rectangle{}), utils.MimeTypePNG)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "empty image")

	_, err = EncodeImage(context.Background(), testImage(), "image/unknown")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "do not know how to encode")
}

func TestDecodeImageErrors(t *testing.T) {
	_, err := DecodeImage(context.Background(), nil, utils.MimeTypePNG)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = DecodeImage(context.Background(), []byte("not an image"), utils.MimeTypePNG)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "could not decode image")
}

func TestMimeTypeFromPath(t *testing.T) {
	test.That(t, utils.MimeTypeFromPath("/tmp/frame.PNG"), test.ShouldEqual, utils.MimeTypePNG)
	test.That(t, utils.MimeTypeFromPath("https://host/a/b.jpeg"), test.ShouldEqual, utils.MimeTypeJPEG)
	test.That(t, utils.MimeTypeFromPath("frame"), test.ShouldEqual, "")
}
