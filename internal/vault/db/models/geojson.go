package models

import (
	"encoding/json"
	"fmt"
	"math"
)

type geoJSONGeometry struct {
	Type        string            `json:"type"`
	Coordinates json.RawMessage   `json:"coordinates"`
	Geometries  []geoJSONGeometry `json:"geometries"`
}

// GeoJSONBounds returns minx, miny, maxx, maxy of a GeoJSON geometry.
func GeoJSONBounds(raw json.RawMessage) ([4]float64, bool) {
	if len(raw) == 0 {
		return [4]float64{}, false
	}
	var g geoJSONGeometry
	if err := json.Unmarshal(raw, &g); err != nil {
		return [4]float64{}, false
	}
	b := [4]float64{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	if !g.extend(&b) {
		return [4]float64{}, false
	}
	return b, true
}

func (g geoJSONGeometry) extend(b *[4]float64) bool {
	if g.Type == "GeometryCollection" {
		found := false
		for _, child := range g.Geometries {
			if child.extend(b) {
				found = true
			}
		}
		return found
	}
	var coords any
	if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
		return false
	}
	return extendCoords(coords, b)
}

func extendCoords(v any, b *[4]float64) bool {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return false
	}
	if x, ok := arr[0].(float64); ok {
		if len(arr) < 2 {
			return false
		}
		y, ok := arr[1].(float64)
		if !ok {
			return false
		}
		b[0] = math.Min(b[0], x)
		b[1] = math.Min(b[1], y)
		b[2] = math.Max(b[2], x)
		b[3] = math.Max(b[3], y)
		return true
	}
	found := false
	for _, child := range arr {
		if extendCoords(child, b) {
			found = true
		}
	}
	return found
}

// BBoxPolygon renders a bounding box as a GeoJSON polygon.
func BBoxPolygon(b [4]float64) (json.RawMessage, error) {
	if b[0] > b[2] || b[1] > b[3] {
		return nil, fmt.Errorf("invalid bbox %v", b)
	}
	poly := map[string]any{
		"type": "Polygon",
		"coordinates": [][][2]float64{{
			{b[0], b[1]}, {b[2], b[1]}, {b[2], b[3]}, {b[0], b[3]}, {b[0], b[1]},
		}},
	}
	return json.Marshal(poly)
}
