package transit

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/i474232898/transit-weather-relay/internal/civiltime"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ArrivalBuilder accumulates arrival fields and validates them in Build.
// A setter that receives an invalid value records the error; Build returns it.
type ArrivalBuilder struct {
	line           string
	stop           string
	eta            *time.Time
	vehicleID      *string
	destination    *string
	coords         *Coords
	weather        any
	distance       *int
	estimateArrive *int
	extra          map[string]any
	sentAt         *time.Time

	now func() time.Time
	err error
}

// NewArrivalBuilder returns an empty builder whose default sent_at is civiltime.Now.
func NewArrivalBuilder() *ArrivalBuilder {
	return &ArrivalBuilder{now: civiltime.Now}
}

// WithClock overrides the source of the default sent_at.
func (b *ArrivalBuilder) WithClock(now func() time.Time) *ArrivalBuilder {
	b.now = now
	return b
}

func (b *ArrivalBuilder) Line(line string) *ArrivalBuilder {
	b.line = line
	return b
}

func (b *ArrivalBuilder) Stop(stop string) *ArrivalBuilder {
	b.stop = stop
	return b
}

func (b *ArrivalBuilder) ETA(eta time.Time) *ArrivalBuilder {
	b.eta = &eta
	return b
}

// ETAString parses an ISO-8601 eta; an unparseable value leaves eta unset.
func (b *ArrivalBuilder) ETAString(s string) *ArrivalBuilder {
	if t, ok := civiltime.Parse(s); ok {
		b.eta = &t
	}
	return b
}

func (b *ArrivalBuilder) VehicleID(id string) *ArrivalBuilder {
	b.vehicleID = &id
	return b
}

func (b *ArrivalBuilder) Destination(destination string) *ArrivalBuilder {
	b.destination = &destination
	return b
}

// Coords accepts a Coords value, a {"lat", "lon"} mapping, or a two-element
// numeric pair in GeoJSON [lon, lat] order.
func (b *ArrivalBuilder) Coords(v any) *ArrivalBuilder {
	c, err := parseCoords(v)
	if err != nil {
		b.fail(err)
		return b
	}
	b.coords = &c
	return b
}

// Weather attaches an opaque weather value.
func (b *ArrivalBuilder) Weather(w any) *ArrivalBuilder {
	b.weather = w
	return b
}

// Distance sets the distance to the stop in meters.
func (b *ArrivalBuilder) Distance(meters int) *ArrivalBuilder {
	b.distance = &meters
	return b
}

// EstimateArrive sets the provider estimate, passed through in its own unit.
func (b *ArrivalBuilder) EstimateArrive(v int) *ArrivalBuilder {
	b.estimateArrive = &v
	return b
}

func (b *ArrivalBuilder) Extra(extra map[string]any) *ArrivalBuilder {
	b.extra = extra
	return b
}

func (b *ArrivalBuilder) SentAt(t time.Time) *ArrivalBuilder {
	b.sentAt = &t
	return b
}

// SentAtString parses an ISO-8601 sent_at; an unparseable value leaves it unset.
func (b *ArrivalBuilder) SentAtString(s string) *ArrivalBuilder {
	if t, ok := civiltime.Parse(s); ok {
		b.sentAt = &t
	}
	return b
}

func (b *ArrivalBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Build validates the accumulated fields and returns the record. Timestamps
// are normalized to Europe/Madrid. No partially valid Arrival is ever returned.
func (b *ArrivalBuilder) Build() (Arrival, error) {
	if b.err != nil {
		return Arrival{}, b.err
	}

	now := b.now
	if now == nil {
		now = civiltime.Now
	}
	sent := now()
	if b.sentAt != nil {
		sent = *b.sentAt
	}

	a := Arrival{
		Line:           b.line,
		Stop:           b.stop,
		VehicleID:      b.vehicleID,
		Destination:    b.destination,
		Coords:         b.coords,
		Weather:        b.weather,
		Distance:       b.distance,
		EstimateArrive: b.estimateArrive,
		Extra:          cloneMap(b.extra),
		SentAt:         civiltime.Normalize(sent),
	}
	if b.eta != nil {
		eta := civiltime.Normalize(*b.eta)
		a.ETA = &eta
	}

	if err := validate.Struct(a); err != nil {
		return Arrival{}, toValidationError(err)
	}
	return a, nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Reason: "validation failed", Err: err}
	}
	ve := &ValidationError{Err: err}
	for _, fe := range verrs {
		ve.Fields = append(ve.Fields, fe.Field())
	}
	if len(verrs) > 0 && verrs[0].Tag() == "required" {
		ve.Reason = "line and stop are mandatory"
	} else {
		ve.Reason = "field constraint violated"
	}
	return ve
}

func parseCoords(v any) (Coords, error) {
	var c Coords
	switch val := v.(type) {
	case Coords:
		c = val
	case *Coords:
		if val == nil {
			return Coords{}, coordsError("nil coords")
		}
		c = *val
	case map[string]any:
		lat, okLat := toFloat(val["lat"])
		lon, okLon := toFloat(val["lon"])
		if !okLat || !okLon {
			return Coords{}, coordsError("mapping must hold numeric lat and lon")
		}
		c = Coords{Lat: lat, Lon: lon}
	case []float64:
		if len(val) != 2 {
			return Coords{}, coordsError("expected [lon, lat] pair")
		}
		c = Coords{Lon: val[0], Lat: val[1]}
	case []any:
		if len(val) != 2 {
			return Coords{}, coordsError("expected [lon, lat] pair")
		}
		lon, okLon := toFloat(val[0])
		lat, okLat := toFloat(val[1])
		if !okLon || !okLat {
			return Coords{}, coordsError("pair must be numeric")
		}
		c = Coords{Lat: lat, Lon: lon}
	default:
		return Coords{}, coordsError(fmt.Sprintf("unsupported type %T", v))
	}

	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return Coords{}, coordsError(fmt.Sprintf("lat/lon out of range (lat=%v, lon=%v)", c.Lat, c.Lon))
	}
	return c, nil
}

func coordsError(reason string) error {
	return &ValidationError{Fields: []string{"coords"}, Reason: reason, Err: ErrInvalidCoords}
}
