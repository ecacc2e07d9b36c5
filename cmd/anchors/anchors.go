package main

import (
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"os"
	"strconv"
	"strings"

	tfrcnn "github.com/Tsok-XYZ/tf-faster-rcnn"
	"github.com/Tsok-XYZ/tf-faster-rcnn/config"
	"github.com/Tsok-XYZ/tf-faster-rcnn/processing"
	"github.com/Tsok-XYZ/tf-faster-rcnn/utils"
	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	gotritonclient "github.com/okieraised/go-triton-client"
	"gocv.io/x/gocv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

func check(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func parseFloats(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", p, err)
		}
		out = append(out, float32(v))
	}
	return out, nil
}

func writeJSON(path string, v any) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func main() {
	parser := argparse.NewParser("anchors", "Generate Faster R-CNN anchors for a feature map")
	width := parser.Int("", "width", &argparse.Options{Help: "Feature map width, in cells", Default: 1})
	height := parser.Int("", "height", &argparse.Options{Help: "Feature map height, in cells", Default: 1})
	stride := parser.Int("s", "stride", &argparse.Options{Help: "Pixels per feature map cell", Default: 16})
	scales := parser.String("", "scales", &argparse.Options{Help: "Comma-separated anchor scales (default 8,16,32)"})
	ratios := parser.String("", "ratios", &argparse.Options{Help: "Comma-separated anchor aspect ratios, height/width (default 0.5,1,2)"})
	configFile := parser.String("c", "config", &argparse.Options{Help: "YAML anchor config"})
	baseOnly := parser.Flag("b", "base", &argparse.Options{Help: "Only output the base anchor set"})
	output := parser.String("o", "output", &argparse.Options{Help: "Output JSON file (default stdout)"})
	draw := parser.String("", "draw", &argparse.Options{Help: "Draw the base anchors into this PNG file"})
	tritonURL := parser.String("", "triton", &argparse.Options{Help: "Triton gRPC address. Runs the region proposal model on --image"})
	tritonConfig := parser.String("", "rpn-config", &argparse.Options{Help: "YAML region proposal config"})
	imageFile := parser.String("i", "image", &argparse.Options{Help: "Input image for --triton"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	if *tritonURL != "" {
		check(propose(logger, *tritonURL, *tritonConfig, *imageFile, *output, *draw))
		return
	}

	params := config.DefaultAnchorParams()
	if *configFile != "" {
		params, err = config.LoadAnchorParams(*configFile)
		check(err)
	}
	if *scales != "" {
		params.Scales, err = parseFloats(*scales)
		check(err)
	}
	if *ratios != "" {
		params.Ratios, err = parseFloats(*ratios)
		check(err)
	}

	baseAnchors, err := processing.GenerateAnchors(params)
	check(err)
	baseBoxes, err := processing.Boxes(baseAnchors)
	check(err)
	logger.Infof("%v base anchors (base size %v, ratios %v, scales %v, rounding %v)", len(baseBoxes), params.BaseSize, params.Ratios, params.Scales, params.Rounding)

	if *draw != "" {
		check(drawAnchors(*draw, baseBoxes))
		logger.Infof("Wrote %v", *draw)
	}

	if *baseOnly {
		check(writeJSON(*output, baseBoxes))
		return
	}

	anchors, err := tfrcnn.GenerateShiftAnchors(*width, *height, *stride, params)
	check(err)
	boxes, err := tfrcnn.AnchorsToBoxes(anchors)
	check(err)
	logger.Infof("%v anchors for a %vx%v feature map at stride %v", len(boxes), *width, *height, *stride)
	check(writeJSON(*output, boxes))
}

// drawAnchors renders the base anchors centered in a canvas large enough to
// hold all of them.
func drawAnchors(path string, boxes [][4]float32) error {
	var extent float32
	for _, b := range boxes {
		for _, v := range b {
			if v < 0 {
				v = -v
			}
			extent = max(extent, v)
		}
	}
	size := int(2*extent) + 32
	canvas := utils.NewCanvas(size, size)
	defer canvas.Close()

	offset := float32(size / 2)
	utils.DrawBoxes(&canvas, utils.OffsetBoxes(boxes, offset, offset), color.RGBA{R: 0, G: 255, B: 255, A: 255}, 1)
	if !gocv.IMWrite(path, canvas) {
		return fmt.Errorf("failed to write %s", path)
	}
	return nil
}

func propose(logger logs.Log, tritonURL, configFile, imageFile, output, draw string) error {
	if imageFile == "" {
		return fmt.Errorf("--image is required with --triton")
	}

	cfg := config.DefaultRegionProposalParams()
	if configFile != "" {
		var err error
		cfg, err = config.LoadRegionProposalParams(configFile)
		if err != nil {
			return err
		}
	}

	tritonClient, err := gotritonclient.NewTritonGRPCClient(
		tritonURL,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{PermitWithoutStream: true}),
	)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(imageFile)
	if err != nil {
		return err
	}
	img, err := utils.ImageToOpenCV(raw)
	if err != nil {
		return err
	}
	defer img.Close()

	pipeline, err := tfrcnn.NewProposalPipeline(tritonClient, cfg, logger)
	if err != nil {
		return err
	}
	res, err := pipeline.Propose(*img)
	if err != nil {
		return err
	}
	if draw != "" {
		if err = pipeline.SaveVisualization(*img, res, 50, draw); err != nil {
			return err
		}
		logger.Infof("Wrote %v", draw)
	}
	return writeJSON(output, res)
}
