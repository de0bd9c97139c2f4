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

const ticketRecordVersion1 = 1

var (
	errTicketNotFound         = errors.New("ticket not found")
	errTicketSecretMismatch   = errors.New("ticket secret mismatch")
	errTicketTypeMismatch     = errors.New("ticket type mismatch")
	errTicketRedisUnavailable = errors.New("ticket redis unavailable")
)

type ticketRecord struct {
	UserID     string
	Type       TicketType
	NewEmail   string
	SecretHash [32]byte
	ExpiresAt  int64
}

// ticketStore keeps single-use tickets in Redis. Rows expire natively via
// TTL; Consume is the only way a live ticket leaves the store.
type ticketStore struct {
	redis  *redis.Client
	prefix string
}

func newTicketStore(redisClient *redis.Client, cfg TicketConfig) *ticketStore {
	return &ticketStore{
		redis:  redisClient,
		prefix: cfg.RedisPrefix,
	}
}

func (s *ticketStore) key(ticketID string) string {
	return s.prefix + ticketID
}

func (s *ticketStore) Save(ctx context.Context, ticketID string, record *ticketRecord, ttl time.Duration) error {
	encoded, err := encodeTicketRecord(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(ticketID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errTicketRedisUnavailable, err)
	}

	return nil
}

// Consume atomically redeems a ticket: exactly one caller observes the
// record, everyone else gets not-found. A type mismatch leaves the ticket
// in place so the legitimate flow can still redeem it.
func (s *ticketStore) Consume(
	ctx context.Context,
	ticketID string,
	providedHash [32]byte,
	expectedType TicketType,
) (*ticketRecord, error) {
	const maxRetries = 4
	key := s.key(ticketID)

	for i := 0; i < maxRetries; i++ {
		var matched *ticketRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeTicketRecord(data)
			if err != nil {
				return err
			}

			if time.Now().Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errTicketNotFound
			}

			if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
				return errTicketSecretMismatch
			}

			if record.Type != expectedType {
				return errTicketTypeMismatch
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err != nil {
				return err
			}

			matched = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, errTicketNotFound
			case errors.Is(err, errTicketNotFound),
				errors.Is(err, errTicketSecretMismatch), errors.Is(err, errTicketTypeMismatch):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", errTicketRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, errTicketNotFound
}

func encodeTicketRecord(record *ticketRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(ticketRecordVersion1)

	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{record.UserID, string(record.Type), record.NewEmail} {
		if len(field) > 65535 {
			return nil, errors.New("ticket record field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	buf.Write(record.SecretHash[:])

	return buf.Bytes(), nil
}

func decodeTicketRecord(data []byte) (*ticketRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != ticketRecordVersion1 {
		return nil, errors.New("invalid ticket record version")
	}

	record := &ticketRecord{}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	fields := make([]string, 3)
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
	record.Type = TicketType(fields[1])
	record.NewEmail = fields[2]

	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
