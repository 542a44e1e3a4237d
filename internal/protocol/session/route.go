package session

import (
	"fmt"

	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/protocol/frame"
	"github.com/danmuck/coloc/internal/protocol/schema"
	"github.com/danmuck/coloc/internal/protocol/tlv"
)

type RouteKind uint8

const (
	RouteAuthority RouteKind = iota + 1
	RouteSession
	RouteBroadcast
)

func (k RouteKind) String() string {
	switch k {
	case RouteAuthority:
		return "authority"
	case RouteSession:
		return "session"
	case RouteBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("route(%d)", uint8(k))
	}
}

// Route says where a frame goes. Session is read only for RouteSession.
type Route struct {
	Kind    RouteKind
	Session protocol.SessionHandle
}

func ToAuthority() Route { return Route{Kind: RouteAuthority} }

func ToSession(h protocol.SessionHandle) Route { return Route{Kind: RouteSession, Session: h} }

func ToAll() Route { return Route{Kind: RouteBroadcast} }

func (r Route) String() string {
	if r.Kind == RouteSession {
		return fmt.Sprintf("%s:%s", r.Kind, r.Session)
	}
	return r.Kind.String()
}

// AttachRoute returns f with its routing fields replaced by route and source.
func AttachRoute(f frame.Frame, route Route, source protocol.SessionHandle) (frame.Frame, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return frame.Frame{}, err
	}
	body := tlv.Without(fields, schema.FieldRouteKind, schema.FieldRouteSession, schema.FieldRouteSource)
	routed := make([]tlv.Field, 0, len(body)+3)
	routed = append(routed,
		tlv.U8(schema.FieldRouteKind, uint8(route.Kind)),
		tlv.U64(schema.FieldRouteSession, uint64(route.Session)),
		tlv.U64(schema.FieldRouteSource, uint64(source)),
	)
	routed = append(routed, body...)
	out := f
	out.Payload = tlv.EncodeFields(routed)
	return out, nil
}

// RouteOf reads the routing fields stamped by AttachRoute.
func RouteOf(f frame.Frame) (Route, protocol.SessionHandle, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Route{}, 0, err
	}
	r := fieldReader{fields: fields}
	kind := RouteKind(r.u8(schema.FieldRouteKind))
	target := protocol.SessionHandle(r.u64(schema.FieldRouteSession))
	source := protocol.SessionHandle(r.u64(schema.FieldRouteSource))
	if r.err != nil {
		return Route{}, 0, fmt.Errorf("session: frame has no route: %w", r.err)
	}
	switch kind {
	case RouteAuthority, RouteSession, RouteBroadcast:
	default:
		return Route{}, 0, fmt.Errorf("session: unknown route kind %d", uint8(kind))
	}
	return Route{Kind: kind, Session: target}, source, nil
}
