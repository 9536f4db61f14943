package validation

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/austindbirch/harbor_oracle/internal/matching"
)

// Sample is one annotated image
type Sample struct {
	ID    string
	Boxes []matching.Bbox
}

// Dataset is an ordered set of samples addressed by id
type Dataset struct {
	samples []Sample
	index   map[string]int
}

// NewDataset builds a dataset; boxes of samples sharing an id are merged
func NewDataset(samples ...Sample) *Dataset {
	d := &Dataset{index: make(map[string]int, len(samples))}
	for _, s := range samples {
		d.add(s)
	}
	return d
}

func (d *Dataset) add(s Sample) {
	if i, ok := d.index[s.ID]; ok {
		d.samples[i].Boxes = append(d.samples[i].Boxes, s.Boxes...)
		return
	}
	d.index[s.ID] = len(d.samples)
	d.samples = append(d.samples, Sample{ID: s.ID, Boxes: append([]matching.Bbox(nil), s.Boxes...)})
}

func (d *Dataset) Len() int { return len(d.samples) }

func (d *Dataset) Get(id string) (Sample, bool) {
	i, ok := d.index[id]
	if !ok {
		return Sample{}, false
	}
	return d.samples[i], true
}

// Samples returns the samples in insertion order
func (d *Dataset) Samples() []Sample {
	return d.samples
}

type cocoInstances struct {
	Images []struct {
		ID       int64  `json:"id"`
		FileName string `json:"file_name"`
	} `json:"images"`
	Annotations []struct {
		ImageID    int64     `json:"image_id"`
		CategoryID int64     `json:"category_id"`
		BBox       []float64 `json:"bbox"`
	} `json:"annotations"`
	Categories []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"categories"`
}

var zipMagic = []byte("PK\x03\x04")

// ParseCOCO reads COCO instances JSON, plain or inside a zip archive. Labels
// are mapped by category name onto their index in labels, so datasets parsed
// with the same label list compare by label regardless of category ids.
func ParseCOCO(data []byte, labels []string) (*Dataset, error) {
	if bytes.HasPrefix(data, zipMagic) {
		extracted, err := instancesFromZip(data)
		if err != nil {
			return nil, err
		}
		data = extracted
	}

	var doc cocoInstances
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode coco instances: %w", err)
	}

	labelIndex := make(map[string]int, len(labels))
	for i, l := range labels {
		labelIndex[l] = i
	}
	categories := make(map[int64]int, len(doc.Categories))
	for _, c := range doc.Categories {
		idx, ok := labelIndex[c.Name]
		if !ok {
			return nil, fmt.Errorf("category %q is not a task label", c.Name)
		}
		categories[c.ID] = idx
	}

	d := NewDataset()
	imageSample := make(map[int64]string, len(doc.Images))
	for _, img := range doc.Images {
		id := strings.TrimSuffix(img.FileName, path.Ext(img.FileName))
		imageSample[img.ID] = id
		d.add(Sample{ID: id})
	}

	for i, ann := range doc.Annotations {
		sampleID, ok := imageSample[ann.ImageID]
		if !ok {
			return nil, fmt.Errorf("annotation %d references unknown image %d", i, ann.ImageID)
		}
		label, ok := categories[ann.CategoryID]
		if !ok {
			return nil, fmt.Errorf("annotation %d references unknown category %d", i, ann.CategoryID)
		}
		if len(ann.BBox) != 4 {
			return nil, fmt.Errorf("annotation %d has %d bbox values, want 4", i, len(ann.BBox))
		}
		d.add(Sample{ID: sampleID, Boxes: []matching.Bbox{{
			X: ann.BBox[0], Y: ann.BBox[1], W: ann.BBox[2], H: ann.BBox[3], Label: label,
		}}})
	}
	return d, nil
}

// instancesFromZip returns the instances file of a COCO export archive,
// falling back to the only JSON file it contains
func instancesFromZip(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open annotation archive: %w", err)
	}

	var candidate *zip.File
	jsonFiles := 0
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".json") {
			continue
		}
		jsonFiles++
		if strings.HasSuffix(f.Name, "instances_default.json") {
			candidate = f
			break
		}
		if candidate == nil {
			candidate = f
		}
	}
	if candidate == nil {
		return nil, fmt.Errorf("annotation archive has no json file")
	}
	if jsonFiles > 1 && !strings.HasSuffix(candidate.Name, "instances_default.json") {
		return nil, fmt.Errorf("annotation archive has %d json files and no instances_default.json", jsonFiles)
	}

	rc, err := candidate.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", candidate.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
