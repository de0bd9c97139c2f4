package gatekey

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const refreshRecordVersion1 = 1

var (
	errRefreshNotFound         = errors.New("refresh token not found")
	errRefreshSecretMismatch   = errors.New("refresh secret mismatch")
	errRefreshWrongType        = errors.New("refresh token wrong type")
	errRefreshRedisUnavailable = errors.New("refresh redis unavailable")
)

type refreshRecord struct {
	UserID     string
	Type       RefreshTokenType
	SecretHash [32]byte
	ExpiresAt  int64
	Metadata   []byte // opaque JSON, PAT bookkeeping only
}

// refreshStore keeps refresh token rows keyed by token id. Regular rows
// rotate: each use atomically replaces the row under a new id, so a replay
// of the old token observes not-found. PAT rows are validated in place.
type refreshStore struct {
	redis  *redis.Client
	prefix string
}

func newRefreshStore(redisClient *redis.Client, cfg RefreshConfig) *refreshStore {
	return &refreshStore{
		redis:  redisClient,
		prefix: cfg.RedisPrefix,
	}
}

func (s *refreshStore) key(tokenID string) string {
	return s.prefix + tokenID
}

func (s *refreshStore) Save(ctx context.Context, tokenID string, record *refreshRecord, ttl time.Duration) error {
	encoded, err := encodeRefreshRecord(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(tokenID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errRefreshRedisUnavailable, err)
	}

	return nil
}

// Rotate is an atomic compare-and-swap: it validates the old row's secret
// hash and, in one transaction, deletes the old row and writes the new one.
// Concurrent rotations of the same token race on WATCH; exactly one wins.
func (s *refreshStore) Rotate(
	ctx context.Context,
	oldID string,
	providedHash [32]byte,
	newID string,
	newRecord *refreshRecord,
	newTTL time.Duration,
) (*refreshRecord, error) {
	const maxRetries = 4
	oldKey := s.key(oldID)

	for i := 0; i < maxRetries; i++ {
		var matched *refreshRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, oldKey).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeRefreshRecord(data)
			if err != nil {
				return err
			}

			if time.Now().Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, oldKey)
					return nil
				})
				if err != nil {
					return err
				}
				return errRefreshNotFound
			}

			if record.Type != RefreshTokenTypeRegular {
				return errRefreshWrongType
			}

			if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
				return errRefreshSecretMismatch
			}

			encoded, err := encodeRefreshRecord(newRecord)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, oldKey)
				pipe.Set(ctx, s.key(newID), encoded, newTTL)
				return nil
			})
			if err != nil {
				return err
			}

			matched = record
			return nil
		}, oldKey)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, errRefreshNotFound
			case errors.Is(err, errRefreshNotFound),
				errors.Is(err, errRefreshSecretMismatch), errors.Is(err, errRefreshWrongType):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", errRefreshRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, errRefreshNotFound
}

// Validate checks a row without consuming it. PATs refresh through this
// path: long-lived, never rotated.
func (s *refreshStore) Validate(ctx context.Context, tokenID string, providedHash [32]byte) (*refreshRecord, error) {
	data, err := s.redis.Get(ctx, s.key(tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errRefreshNotFound
		}
		return nil, fmt.Errorf("%w: %v", errRefreshRedisUnavailable, err)
	}

	record, err := decodeRefreshRecord(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(tokenID)).Result()
		return nil, errRefreshNotFound
	}
	if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
		return nil, errRefreshSecretMismatch
	}

	return record, nil
}

func (s *refreshStore) Delete(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errRefreshRedisUnavailable, err)
	}
	return n > 0, nil
}

func encodeRefreshRecord(record *refreshRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(refreshRecordVersion1)

	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{record.UserID, string(record.Type)} {
		if len(field) > 65535 {
			return nil, errors.New("refresh record field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	if len(record.Metadata) > 65535 {
		return nil, errors.New("refresh record metadata too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.Metadata))); err != nil {
		return nil, err
	}
	buf.Write(record.Metadata)

	buf.Write(record.SecretHash[:])

	return buf.Bytes(), nil
}

func decodeRefreshRecord(data []byte) (*refreshRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != refreshRecordVersion1 {
		return nil, errors.New("invalid refresh record version")
	}

	record := &refreshRecord{}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	fields := make([]string, 2)
	for i := range fields {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		fields[i] = string(raw)
	}
	record.UserID = fields[0]
	record.Type = RefreshTokenType(fields[1])

	var metaLen uint16
	if err := binary.Read(reader, binary.BigEndian, &metaLen); err != nil {
		return nil, err
	}
	if metaLen > 0 {
		record.Metadata = make([]byte, metaLen)
		if _, err := io.ReadFull(reader, record.Metadata); err != nil {
			return nil, err
		}
	}

	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
