package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsPreservesUnknown(t *testing.T) {
	in := []Field{
		String(103, "anchor-1"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestTypedConstructorsDecode(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{
		U8(1, 3),
		U32(2, 0xDEADBEEF),
		U64(3, 1<<40),
		Bool(4, true),
	}))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	u8, err := U8FromBytes(fields[0].Value)
	if err != nil || u8 != 3 {
		t.Fatalf("u8: got=%d err=%v", u8, err)
	}
	u32, err := U32FromBytes(fields[1].Value)
	if err != nil || u32 != 0xDEADBEEF {
		t.Fatalf("u32: got=%x err=%v", u32, err)
	}
	u64, err := U64FromBytes(fields[2].Value)
	if err != nil || u64 != 1<<40 {
		t.Fatalf("u64: got=%d err=%v", u64, err)
	}
	b, err := BoolFromBytes(fields[3].Value)
	if err != nil || !b {
		t.Fatalf("bool: got=%v err=%v", b, err)
	}
}

func TestBoolFromBytesRejectsGarbage(t *testing.T) {
	if _, err := BoolFromBytes([]byte{2}); err == nil {
		t.Fatalf("expected error for bool value 2")
	}
}

func TestWithoutDropsRouteFields(t *testing.T) {
	fields := []Field{U64(1, 1), String(2, "x"), U64(3, 3), U64(1, 4)}
	got := Without(fields, 1, 3)
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("unexpected fields after Without: %+v", got)
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
