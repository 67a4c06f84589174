package pipeline

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/nfnt/resize"
)

// originalImageQuality is the JPEG quality used for the original-image
// payload. Lossy by design: the image flag is the most expensive one.
const originalImageQuality = 90

// ProjectResult reduces a full DetectionResult to the fields selected by
// the stream configuration. Pure: no side effects beyond allocation.
// Timestamp and FrameNumber are left for the dispatcher to stamp.
func ProjectResult(res *DetectionResult, cfg StreamConfig) *StreamRecord {
	rec := &StreamRecord{
		CameraID: res.CameraID,
	}

	if cfg.IncludeDetections {
		rec.Detections = projectDetections(res, cfg)
	}

	if cfg.IncludeClassifications && len(res.Probs) > 0 {
		rec.Classifications = append([]ClassProb(nil), res.Probs...)
	}

	if cfg.IncludeProcessingTimeMs {
		ms := res.ProcessingMs
		rec.ProcessingMs = &ms
	}
	if cfg.IncludeFPS {
		fps := res.FPS
		rec.FPS = &fps
	}

	if cfg.IncludeOriginalImage && len(res.Image) > 0 {
		rec.OriginalImage = encodeOriginalImage(res.Image, cfg.MaxImageEdge)
	}

	return rec
}

// projectDetections converts detections with their per-index attachments.
// Masks and keypoints are aligned by detection index, never by class
// index: multiple boxes can share a class.
func projectDetections(res *DetectionResult, cfg StreamConfig) []DetectionRecord {
	records := make([]DetectionRecord, 0, len(res.Detections))

	for i, det := range res.Detections {
		record := DetectionRecord{
			ClassIndex:    det.ClassIndex,
			ClassName:     det.ClassName,
			Confidence:    det.Confidence,
			BoundingBox:   det.Box,
			NormalizedBox: det.NormalizedBox,
		}

		// Task types that did not produce the requested data simply
		// omit the field; that is not an error.
		if cfg.IncludeMasks && i < len(res.Masks) && res.Masks[i] != nil {
			record.Mask = res.Masks[i]
		}

		if cfg.IncludePoses && i < len(res.Keypoints) && res.Keypoints[i] != nil {
			record.Keypoints = flattenKeypoints(res.Keypoints[i])
		}

		if cfg.IncludeOBB && i < len(res.OrientedBoxes) {
			record.OBB = projectOBB(res.OrientedBoxes[i])
		}

		records = append(records, record)
	}

	return records
}

// flattenKeypoints produces the [x,y,conf]* sequence for one detection.
// Missing confidences are already zero-valued in the Keypoint struct.
func flattenKeypoints(kps []Keypoint) []float32 {
	flat := make([]float32, 0, len(kps)*3)
	for _, kp := range kps {
		flat = append(flat, kp.X, kp.Y, kp.Confidence)
	}
	return flat
}

func projectOBB(o OrientedBox) *OBBRecord {
	poly := o.Polygon()
	points := make([][2]float32, len(poly))
	copy(points, poly[:])

	return &OBBRecord{
		CenterX:    o.CenterX,
		CenterY:    o.CenterY,
		Width:      o.Width,
		Height:     o.Height,
		AngleRad:   o.Angle,
		AngleDeg:   o.Degrees(),
		Area:       o.Area(),
		Polygon:    points,
		Confidence: o.Confidence,
		ClassIndex: o.ClassIndex,
		ClassName:  o.ClassName,
	}
}

// encodeOriginalImage re-encodes the source frame as JPEG at the fixed
// quality, downscaling to the configured max edge first when set. Returns
// nil when the source bytes cannot be decoded; the field is then omitted.
func encodeOriginalImage(src []byte, maxEdge int) []byte {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil
	}

	if maxEdge > 0 {
		bounds := img.Bounds()
		if bounds.Dx() > maxEdge || bounds.Dy() > maxEdge {
			if bounds.Dx() >= bounds.Dy() {
				img = resize.Resize(uint(maxEdge), 0, img, resize.Lanczos3)
			} else {
				img = resize.Resize(0, uint(maxEdge), img, resize.Lanczos3)
			}
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: originalImageQuality}); err != nil {
		return nil
	}
	return buf.Bytes()
}
