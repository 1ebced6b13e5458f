package mapping

import (
	"errors"
	"fmt"
	"strings"

	"halforge/internal/domain"
)

var (
	ErrUnsupportedType   = errors.New("unsupported signal type")
	ErrUnsupportedAccess = errors.New("unsupported signal access")
	ErrInvalidPath       = errors.New("invalid signal path")
)

const (
	pathSeparator = "."
	idSeparator   = "_"
	namePrefix    = "VSS_"
	DomainOther   = "OTHER"
)

// Signal is one leaf of a vehicle signal tree as declared by the input.
type Signal struct {
	Path        string `json:"path" yaml:"path"`
	Datatype    string `json:"datatype" yaml:"datatype"`
	Type        string `json:"type" yaml:"type"`
	Unit        string `json:"unit,omitempty" yaml:"unit,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

var typeTable = map[string]domain.PropertyType{
	"int8":    domain.PropertyTypeInt,
	"int16":   domain.PropertyTypeInt,
	"int32":   domain.PropertyTypeInt,
	"int64":   domain.PropertyTypeInt,
	"uint8":   domain.PropertyTypeInt,
	"uint16":  domain.PropertyTypeInt,
	"uint32":  domain.PropertyTypeInt,
	"uint64":  domain.PropertyTypeInt,
	"float":   domain.PropertyTypeFloat,
	"double":  domain.PropertyTypeFloat,
	"boolean": domain.PropertyTypeBoolean,
	"string":  domain.PropertyTypeString,
}

var accessTable = map[string]domain.Access{
	"actuator":  domain.AccessReadWrite,
	"sensor":    domain.AccessRead,
	"attribute": domain.AccessRead,
}

type domainKeywords struct {
	domain   string
	keywords []string
}

// First match wins. CABIN is last because most cabin paths belong to a
// narrower domain.
var domainTable = []domainKeywords{
	{domain: "ADAS", keywords: []string{"adas", "acc", "lka", "cruisecontrol", "lanedeparturedetection", "obstacledetection", "abs", "esc"}},
	{domain: "HVAC", keywords: []string{"hvac", "climate", "airconditioning", "defrost"}},
	{domain: "BODY", keywords: []string{"body", "door", "window", "mirrors", "lights", "trunk", "hood", "windshield", "wiping", "horn"}},
	{domain: "POWERTRAIN", keywords: []string{"powertrain", "combustionengine", "electricmotor", "tractionbattery", "transmission", "fuelsystem", "engine", "battery"}},
	{domain: "CHASSIS", keywords: []string{"chassis", "axle", "wheel", "tire", "brake", "steeringwheel", "parkingbrake", "accelerator"}},
	{domain: "INFOTAINMENT", keywords: []string{"infotainment", "media", "navigation", "hmi", "smartphoneprojection", "audio"}},
	{domain: "CABIN", keywords: []string{"cabin", "seat", "sunroof", "rearshade", "convertible", "rearviewmirror"}},
}

// Map converts one signal. It keeps no state between calls.
func Map(sig Signal) (domain.Property, error) {
	id, err := FlatID(sig.Path)
	if err != nil {
		return domain.Property{}, err
	}
	typ, ok := typeTable[strings.ToLower(strings.TrimSpace(sig.Datatype))]
	if !ok {
		return domain.Property{}, fmt.Errorf("%w: %q at %s", ErrUnsupportedType, sig.Datatype, sig.Path)
	}
	access, ok := accessTable[strings.ToLower(strings.TrimSpace(sig.Type))]
	if !ok {
		return domain.Property{}, fmt.Errorf("%w: %q at %s", ErrUnsupportedAccess, sig.Type, sig.Path)
	}
	return domain.Property{
		ID:          id,
		Name:        namePrefix + strings.ToUpper(id),
		Path:        sig.Path,
		Type:        typ,
		Access:      access,
		Domain:      Classify(sig.Path),
		Unit:        sig.Unit,
		Description: sig.Description,
	}, nil
}

// MapAll maps every signal in order. A signal that cannot be mapped is
// excluded with its reason; it never stops the others.
func MapAll(signals []Signal) ([]domain.Property, []domain.Exclusion) {
	props := make([]domain.Property, 0, len(signals))
	var excluded []domain.Exclusion
	seen := make(map[string]string, len(signals))
	for _, sig := range signals {
		prop, err := Map(sig)
		if err != nil {
			excluded = append(excluded, domain.Exclusion{Path: sig.Path, Reason: err.Error()})
			continue
		}
		if first, dup := seen[prop.ID]; dup {
			excluded = append(excluded, domain.Exclusion{Path: sig.Path, Reason: "duplicate of " + first})
			continue
		}
		seen[prop.ID] = sig.Path
		props = append(props, prop)
	}
	return props, excluded
}

// FlatID joins the path segments with "_". Segments may not contain "_" so
// that PathFromID can always recover the path.
func FlatID(path string) (string, error) {
	segments := strings.Split(strings.TrimSpace(path), pathSeparator)
	for _, seg := range segments {
		if seg == "" {
			return "", fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
		if strings.Contains(seg, idSeparator) {
			return "", fmt.Errorf("%w: segment %q contains %q", ErrInvalidPath, seg, idSeparator)
		}
		if strings.ContainsAny(seg, " \t/\\") {
			return "", fmt.Errorf("%w: segment %q contains whitespace or a slash", ErrInvalidPath, seg)
		}
	}
	return strings.Join(segments, idSeparator), nil
}

func PathFromID(id string) string {
	return strings.ReplaceAll(id, idSeparator, pathSeparator)
}

// Classify returns the first domain whose keywords contain a lower-cased
// path segment, or OTHER.
func Classify(path string) string {
	segments := strings.Split(strings.ToLower(path), pathSeparator)
	for _, entry := range domainTable {
		for _, keyword := range entry.keywords {
			for _, seg := range segments {
				if seg == keyword {
					return entry.domain
				}
			}
		}
	}
	return DomainOther
}
