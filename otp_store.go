package gatekey

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

const (
	otpRecordVersion1 = 1

	// otpExpiryGrace keeps expired rows around briefly so Consume can tell
	// "expired" apart from "never existed".
	otpExpiryGrace = 5 * time.Minute
)

var (
	errOTPNotFound         = errors.New("otp not found")
	errOTPExpired          = errors.New("otp expired")
	errOTPMismatch         = errors.New("otp mismatch")
	errOTPAttemptsExceeded = errors.New("otp attempts exceeded")
	errOTPRedisUnavailable = errors.New("otp redis unavailable")
)

type otpRecord struct {
	UserID    string
	OTPHash   []byte // bcrypt
	Channel   OTPChannel
	ExpiresAt int64
	Attempts  uint16
}

// otpStore keeps one pending OTP per identifier. Issuing a new code
// overwrites the previous one.
type otpStore struct {
	redis  *redis.Client
	prefix string
}

func newOTPStore(redisClient *redis.Client, cfg OTPConfig) *otpStore {
	return &otpStore{
		redis:  redisClient,
		prefix: cfg.RedisPrefix,
	}
}

func (s *otpStore) key(identifier string) string {
	return s.prefix + identifier
}

func (s *otpStore) Save(ctx context.Context, identifier string, record *otpRecord, ttl time.Duration) error {
	encoded, err := encodeOTPRecord(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(identifier), encoded, ttl+otpExpiryGrace).Err(); err != nil {
		return fmt.Errorf("%w: %v", errOTPRedisUnavailable, err)
	}

	return nil
}

// Consume verifies code against the stored bcrypt hash inside the atomic
// section. Matches delete the row; mismatches burn an attempt; the
// attempt cap deletes the row outright.
func (s *otpStore) Consume(
	ctx context.Context,
	identifier string,
	code string,
	maxAttempts int,
) (*otpRecord, error) {
	const maxRetries = 4
	key := s.key(identifier)

	for i := 0; i < maxRetries; i++ {
		var matched *otpRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeOTPRecord(data)
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
				return errOTPExpired
			}

			if bcrypt.CompareHashAndPassword(record.OTPHash, []byte(code)) != nil {
				record.Attempts++
				if int(record.Attempts) >= maxAttempts {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						return nil
					})
					if err != nil {
						return err
					}
					return errOTPAttemptsExceeded
				}

				ttl := time.Until(time.Unix(record.ExpiresAt, 0)) + otpExpiryGrace
				updated, err := encodeOTPRecord(record)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return errOTPMismatch
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
				return nil, errOTPNotFound
			case errors.Is(err, errOTPExpired), errors.Is(err, errOTPMismatch), errors.Is(err, errOTPAttemptsExceeded):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", errOTPRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, errOTPNotFound
}

func (s *otpStore) Delete(ctx context.Context, identifier string) error {
	if err := s.redis.Del(ctx, s.key(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errOTPRedisUnavailable, err)
	}
	return nil
}

func encodeOTPRecord(record *otpRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(otpRecordVersion1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{record.UserID, string(record.Channel)} {
		if len(field) > 65535 {
			return nil, errors.New("otp record field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	if len(record.OTPHash) > 255 {
		return nil, errors.New("otp hash too long")
	}
	buf.WriteByte(byte(len(record.OTPHash)))
	buf.Write(record.OTPHash)

	return buf.Bytes(), nil
}

func decodeOTPRecord(data []byte) (*otpRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != otpRecordVersion1 {
		return nil, errors.New("invalid otp record version")
	}

	record := &otpRecord{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
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
	record.Channel = OTPChannel(fields[1])

	hashLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	record.OTPHash = make([]byte, hashLen)
	if _, err := io.ReadFull(reader, record.OTPHash); err != nil {
		return nil, err
	}

	return record, nil
}
