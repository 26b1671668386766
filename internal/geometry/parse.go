// Package geometry converts external geometry encodings into validated
// internal geometry values and provides the planar measures the analysis
// engine builds on. Validity repair is delegated to the topology package so
// this one stays pure Go.
package geometry

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/peterstace/simplefeatures/geom"

	"geocore/internal/topology"
	"geocore/pkg/domain"
)

// GeometryInput carries exactly one supported geometry encoding: a GeoJSON
// geometry object, a WKT string, or a WKB hex string.
type GeometryInput struct {
	GeoJSON json.RawMessage
	WKT     string
	WKBHex  string
}

// FromGeoJSON wraps GeoJSON geometry bytes as an input.
func FromGeoJSON(data []byte) GeometryInput {
	return GeometryInput{GeoJSON: json.RawMessage(data)}
}

// FromWKT wraps a WKT string as an input.
func FromWKT(wkt string) GeometryInput {
	return GeometryInput{WKT: wkt}
}

// FromWKBHex wraps a hex-encoded WKB string as an input.
func FromWKBHex(s string) GeometryInput {
	return GeometryInput{WKBHex: s}
}

func (in GeometryInput) encodings() int {
	n := 0
	if len(in.GeoJSON) > 0 {
		n++
	}
	if in.WKT != "" {
		n++
	}
	if in.WKBHex != "" {
		n++
	}
	return n
}

// RepairStatus classifies what the parser did to an input geometry.
type RepairStatus string

// Repair outcomes.
const (
	// RepairValidAsIs means the geometry was valid and returned untouched.
	RepairValidAsIs RepairStatus = "valid_as_is"
	// RepairRepaired means make-valid ran and the result replaced the input.
	RepairRepaired RepairStatus = "repaired"
	// RepairRejected means the geometry was invalid and not repairable (or
	// repair was not requested).
	RepairRejected RepairStatus = "rejected"
)

// Repair reports the validation outcome for a parsed geometry so callers can
// tell a silently-altered geometry from a clean one. When Status is
// RepairRepaired, Reason holds the original validity failure and the type
// fields expose any promotion (for example Polygon to MultiPolygon).
type Repair struct {
	Status       RepairStatus
	Reason       string
	OriginalType geom.GeometryType
	ResultType   geom.GeometryType
}

// TypeChanged reports whether repair promoted the geometry to another
// concrete type.
func (r Repair) TypeChanged() bool {
	return r.Status == RepairRepaired && r.OriginalType != r.ResultType
}

// Parse decodes one of the supported encodings, rejects empty geometries,
// and enforces topological validity. With fixTopology false an invalid
// geometry fails with the validity reason; with true it is repaired via
// make-valid and the Repair outcome records what happened.
func Parse(in GeometryInput, fixTopology bool) (geom.Geometry, Repair, error) {
	g, err := decode(in)
	if err != nil {
		return geom.Geometry{}, Repair{}, err
	}
	if g.IsEmpty() {
		return geom.Geometry{}, Repair{}, domain.EmptyGeometryError()
	}

	rep := Repair{Status: RepairValidAsIs, OriginalType: g.Type(), ResultType: g.Type()}
	verr := g.Validate()
	if verr == nil {
		return g, rep, nil
	}

	rep.Reason = verr.Error()
	if !fixTopology {
		rep.Status = RepairRejected
		return geom.Geometry{}, rep, domain.InvalidTopologyError(verr.Error())
	}

	repaired, rerr := topology.MakeValid(g)
	if rerr != nil {
		rep.Status = RepairRejected
		return geom.Geometry{}, rep, domain.InvalidTopologyError(fmt.Sprintf("%s (repair failed: %v)", verr, rerr))
	}
	if repaired.IsEmpty() {
		rep.Status = RepairRejected
		return geom.Geometry{}, rep, domain.InvalidTopologyError(fmt.Sprintf("%s (repair collapsed geometry)", verr))
	}
	rep.Status = RepairRepaired
	rep.ResultType = repaired.Type()
	return repaired, rep, nil
}

func decode(in GeometryInput) (geom.Geometry, error) {
	if n := in.encodings(); n == 0 {
		return geom.Geometry{}, domain.ParameterError{Name: "geometry", Reason: "no supported encoding supplied"}
	} else if n > 1 {
		return geom.Geometry{}, domain.ParameterError{Name: "geometry", Reason: "multiple encodings supplied"}
	}

	switch {
	case len(in.GeoJSON) > 0:
		g, err := geom.UnmarshalGeoJSON(in.GeoJSON, geom.NoValidate{})
		if err != nil {
			return geom.Geometry{}, domain.ParameterError{Name: "geometry", Reason: fmt.Sprintf("malformed GeoJSON: %v", err)}
		}
		return g, nil
	case in.WKT != "":
		g, err := geom.UnmarshalWKT(in.WKT, geom.NoValidate{})
		if err != nil {
			return geom.Geometry{}, domain.ParameterError{Name: "geometry", Reason: fmt.Sprintf("malformed WKT: %v", err)}
		}
		return g, nil
	default:
		raw, err := hex.DecodeString(in.WKBHex)
		if err != nil {
			return geom.Geometry{}, domain.ParameterError{Name: "geometry", Reason: fmt.Sprintf("malformed WKB hex: %v", err)}
		}
		g, err := geom.UnmarshalWKB(raw, geom.NoValidate{})
		if err != nil {
			return geom.Geometry{}, domain.ParameterError{Name: "geometry", Reason: fmt.Sprintf("malformed WKB: %v", err)}
		}
		return g, nil
	}
}

// DefaultAllowedTypes is the type set accepted by feature mutations.
var DefaultAllowedTypes = []geom.GeometryType{geom.TypePoint, geom.TypeLineString, geom.TypePolygon}

// ValidateType fails with a GeometryTypeError when the concrete type of g is
// outside the allowed set. An empty allowed set means DefaultAllowedTypes.
func ValidateType(g geom.Geometry, allowed ...geom.GeometryType) error {
	return ValidateTypeOf(g.Type(), allowed...)
}

// ValidateTypeOf is ValidateType for a bare type tag. Callers that accept a
// repaired geometry check the pre-repair type with it, so a make-valid
// promotion (Polygon to MultiPolygon) does not fail the type gate.
func ValidateTypeOf(t geom.GeometryType, allowed ...geom.GeometryType) error {
	if len(allowed) == 0 {
		allowed = DefaultAllowedTypes
	}
	for _, a := range allowed {
		if t == a {
			return nil
		}
	}
	names := make([]string, len(allowed))
	for i, a := range allowed {
		names[i] = a.String()
	}
	return domain.GeometryTypeError(t.String(), names)
}

// EncodeWKB serializes a geometry for persistence.
func EncodeWKB(g geom.Geometry) []byte {
	return g.AsBinary()
}

// DecodeWKB deserializes a persisted geometry without re-validating it:
// rows were validated on the way in.
func DecodeWKB(b []byte) (geom.Geometry, error) {
	g, err := geom.UnmarshalWKB(b, geom.NoValidate{})
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("decode stored geometry: %w", err)
	}
	return g, nil
}
