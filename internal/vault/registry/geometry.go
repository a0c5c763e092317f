package registry

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

var coordinateGeometries = map[string]struct{}{
	"Point":           {},
	"MultiPoint":      {},
	"LineString":      {},
	"MultiLineString": {},
	"Polygon":         {},
	"MultiPolygon":    {},
}

// validGeometry checks the GeoJSON geometry shape. Coordinate values are
// checked by the store when it parses the geometry.
func validGeometry(raw json.RawMessage) bool {
	if !gjson.ValidBytes(raw) {
		return false
	}
	g := gjson.ParseBytes(raw)
	if !g.IsObject() {
		return false
	}
	typ := g.Get("type").String()
	if _, ok := coordinateGeometries[typ]; ok {
		return g.Get("coordinates").IsArray()
	}
	if typ != "GeometryCollection" {
		return false
	}
	members := g.Get("geometries")
	if !members.IsArray() {
		return false
	}
	valid := true
	members.ForEach(func(_, m gjson.Result) bool {
		valid = validGeometry(json.RawMessage(m.Raw))
		return valid
	})
	return valid
}

// validObject reports whether raw is empty or a JSON object.
func validObject(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	return gjson.ValidBytes(raw) && gjson.ParseBytes(raw).IsObject()
}
