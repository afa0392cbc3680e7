package backend

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the email API messages.
//
//	AuthRequest    { ApiKey api_key = 1; }
//	ApiKey         { int64 keyID = 1; string secret = 2; }
//	AuthResponse   { string token = 1; google.protobuf.Timestamp expires = 2; }
//	EmlMailRequest { bytes mail = 1; AdditionalInfos additional_infos = 2; }
//	AdditionalInfos{ string category = 1; }
const (
	fieldAuthRequestAPIKey       protowire.Number = 1
	fieldAPIKeyKeyID             protowire.Number = 1
	fieldAPIKeySecret            protowire.Number = 2
	fieldAuthResponseToken       protowire.Number = 1
	fieldAuthResponseExpires     protowire.Number = 2
	fieldTimestampSeconds        protowire.Number = 1
	fieldTimestampNanos          protowire.Number = 2
	fieldEmlMailRequestMail      protowire.Number = 1
	fieldEmlMailRequestAddInfos  protowire.Number = 2
	fieldAdditionalInfosCategory protowire.Number = 1
)

var errMissingToken = errors.New("auth response carries no token")

func encodeAuthRequest(keyID int64, secret string) []byte {
	var key []byte
	key = protowire.AppendTag(key, fieldAPIKeyKeyID, protowire.VarintType)
	key = protowire.AppendVarint(key, uint64(keyID))
	key = protowire.AppendTag(key, fieldAPIKeySecret, protowire.BytesType)
	key = protowire.AppendString(key, secret)

	var b []byte
	b = protowire.AppendTag(b, fieldAuthRequestAPIKey, protowire.BytesType)
	b = protowire.AppendBytes(b, key)
	return b
}

func encodeEmlMailRequest(raw []byte, category string) []byte {
	b := protowire.AppendTag(nil, fieldEmlMailRequestMail, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)

	if category != "" {
		var infos []byte
		infos = protowire.AppendTag(infos, fieldAdditionalInfosCategory, protowire.BytesType)
		infos = protowire.AppendString(infos, category)

		b = protowire.AppendTag(b, fieldEmlMailRequestAddInfos, protowire.BytesType)
		b = protowire.AppendBytes(b, infos)
	}
	return b
}

func decodeAuthResponse(b []byte) (Token, error) {
	var token Token
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Token{}, fmt.Errorf("auth response: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldAuthResponseToken && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Token{}, fmt.Errorf("auth response token: %w", protowire.ParseError(n))
			}
			token.Value = v
			b = b[n:]
		case num == fieldAuthResponseExpires && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Token{}, fmt.Errorf("auth response expires: %w", protowire.ParseError(n))
			}
			expires, err := decodeTimestamp(v)
			if err != nil {
				return Token{}, err
			}
			token.Expires = expires
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Token{}, fmt.Errorf("auth response field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if token.Value == "" {
		return Token{}, errMissingToken
	}
	return token, nil
}

func decodeTimestamp(b []byte) (time.Time, error) {
	var seconds, nanos int64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return time.Time{}, fmt.Errorf("timestamp: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.VarintType && (num == fieldTimestampSeconds || num == fieldTimestampNanos) {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return time.Time{}, fmt.Errorf("timestamp: %w", protowire.ParseError(n))
			}
			if num == fieldTimestampSeconds {
				seconds = int64(v)
			} else {
				nanos = int64(int32(v))
			}
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return time.Time{}, fmt.Errorf("timestamp field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return time.Unix(seconds, nanos).UTC(), nil
}

// frame carries an already encoded protobuf message through gRPC.
type frame struct {
	payload []byte
}

// frameCodec passes frames through unchanged. It is registered under the
// "proto" name so the wire content type stays application/grpc+proto.
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("frameCodec: unexpected message type %T", v)
	}
	return f.payload, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("frameCodec: unexpected message type %T", v)
	}
	f.payload = append(f.payload[:0], data...)
	return nil
}

func (frameCodec) Name() string {
	return "proto"
}
