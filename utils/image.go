package utils

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// ImageToOpenCV converts the raw image into OpenCV Matrix
func ImageToOpenCV(bImage []byte) (*gocv.Mat, error) {
	dstMat := gocv.Mat{}
	srcMat, err := gocv.IMDecode(bImage, gocv.IMReadUnchanged)
	if err != nil {
		return &gocv.Mat{}, err
	}

	// Add the rows, columns, and number of channel to the dimension
	dimension := []int{}
	dimension = append(dimension, srcMat.Size()...)
	dimension = append(dimension, srcMat.Channels())

	if len(dimension) < 3 {
		return &dstMat, errors.New(fmt.Sprintf("invalid number of dimension: %d", len(dimension)))
	}

	if dimension[2] == 4 { // RGBA
		dstMat = gocv.NewMat()
		gocv.CvtColor(srcMat, &dstMat, gocv.ColorBGRAToBGR)
		_ = srcMat.Close()
	} else if dimension[2] == 1 { // Grayscale
		dstMat = gocv.NewMat()
		gocv.CvtColor(srcMat, &dstMat, gocv.ColorGrayToBGR)
		_ = srcMat.Close()
	} else {
		dstMat = srcMat
	}
	return &dstMat, nil
}

// NewCanvas returns a black BGR image of the given size.
func NewCanvas(width, height int) gocv.Mat {
	return gocv.NewMatWithSizesWithScalar([]int{height, width}, gocv.MatTypeCV8UC3, gocv.NewScalar(0, 0, 0, 0))
}

// DrawBoxes outlines boxes on img. Coordinates are inclusive pixel extents and
// may lie outside the image; OpenCV clips them.
func DrawBoxes(img *gocv.Mat, boxes [][4]float32, c color.RGBA, thickness int) {
	for _, b := range boxes {
		rect := image.Rect(int(b[0]), int(b[1]), int(b[2])+1, int(b[3])+1)
		gocv.Rectangle(img, rect, c, thickness)
	}
}

// OffsetBoxes moves boxes by (dx, dy) so anchors around the origin can be
// drawn inside a canvas.
func OffsetBoxes(boxes [][4]float32, dx, dy float32) [][4]float32 {
	out := make([][4]float32, len(boxes))
	for i, b := range boxes {
		out[i] = [4]float32{b[0] + dx, b[1] + dy, b[2] + dx, b[3] + dy}
	}
	return out
}
