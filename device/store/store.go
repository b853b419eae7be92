// Package store is the device's persistent configuration store: the
// wifi and mqtt leaf fields of spec §3/§6, kept in a single bbolt
// bucket so every write is one atomic transaction and a crash mid-write
// can never leave the config half-updated.
package store

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("config")

// Config is the device's full persisted configuration, matching the
// dotted-path fields read-config exposes (wifi.ssid, wifi.pass, ...,
// mqtt.topic_prefix) plus the bridge-visible cfg_version counter.
type Config struct {
	WifiSSID string `json:"wifi_ssid"`
	WifiPass string `json:"wifi_pass"`
	WifiDHCP bool   `json:"wifi_dhcp"`

	MQTTHost        string `json:"mqtt_host"`
	MQTTPort        int    `json:"mqtt_port"`
	MQTTUser        string `json:"mqtt_user"`
	MQTTPass        string `json:"mqtt_pass"`
	MQTTTopicPrefix string `json:"mqtt_topic_prefix"`

	CfgVersion uint32 `json:"cfg_version"`
}

// Store wraps a bbolt database holding exactly one Config record.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path and
// ensures the config bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the current configuration. A never-provisioned device
// returns a zero-value Config with CfgVersion 0.
func (s *Store) Load() (Config, error) {
	var cfg Config
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		cfg.WifiSSID = string(b.Get([]byte("wifi_ssid")))
		cfg.WifiPass = string(b.Get([]byte("wifi_pass")))
		cfg.WifiDHCP = boolFrom(b.Get([]byte("wifi_dhcp")))
		cfg.MQTTHost = string(b.Get([]byte("mqtt_host")))
		cfg.MQTTPort = int(uint32From(b.Get([]byte("mqtt_port"))))
		cfg.MQTTUser = string(b.Get([]byte("mqtt_user")))
		cfg.MQTTPass = string(b.Get([]byte("mqtt_pass")))
		cfg.MQTTTopicPrefix = string(b.Get([]byte("mqtt_topic_prefix")))
		cfg.CfgVersion = uint32From(b.Get([]byte("cfg_version")))
		return nil
	})
	return cfg, err
}

// ApplyWrite merges a write-config request's fields into the stored
// configuration inside one transaction, bumps cfg_version, and returns
// the resulting Config. Per spec §4.5, an ssid field present without an
// accompanying pass field clears the stored pass, since an SSID change
// invalidates any previously stored credential for the old network.
func (s *Store) ApplyWrite(fields map[string]interface{}) (Config, error) {
	var out Config
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)

		cur, err := loadTx(b)
		if err != nil {
			return err
		}

		ssid, hasSSID := fields["wifi.ssid"].(string)
		pass, hasPass := fields["wifi.pass"].(string)
		if hasSSID {
			cur.WifiSSID = ssid
			if !hasPass {
				cur.WifiPass = ""
			}
		}
		if hasPass {
			cur.WifiPass = pass
		}
		if v, ok := fields["wifi.dhcp"].(bool); ok {
			cur.WifiDHCP = v
		}
		if v, ok := fields["mqtt.host"].(string); ok {
			cur.MQTTHost = v
		}
		if v, ok := asInt(fields["mqtt.port"]); ok {
			cur.MQTTPort = v
		}
		if v, ok := fields["mqtt.user"].(string); ok {
			cur.MQTTUser = v
		}
		if v, ok := fields["mqtt.pass"].(string); ok {
			cur.MQTTPass = v
		}
		if v, ok := fields["mqtt.topic_prefix"].(string); ok {
			cur.MQTTTopicPrefix = v
		}
		cur.CfgVersion++

		if err := putString(b, "wifi_ssid", cur.WifiSSID); err != nil {
			return err
		}
		if err := putString(b, "wifi_pass", cur.WifiPass); err != nil {
			return err
		}
		if err := putBool(b, "wifi_dhcp", cur.WifiDHCP); err != nil {
			return err
		}
		if err := putString(b, "mqtt_host", cur.MQTTHost); err != nil {
			return err
		}
		if err := putUint32(b, "mqtt_port", uint32(cur.MQTTPort)); err != nil {
			return err
		}
		if err := putString(b, "mqtt_user", cur.MQTTUser); err != nil {
			return err
		}
		if err := putString(b, "mqtt_pass", cur.MQTTPass); err != nil {
			return err
		}
		if err := putString(b, "mqtt_topic_prefix", cur.MQTTTopicPrefix); err != nil {
			return err
		}
		if err := putUint32(b, "cfg_version", cur.CfgVersion); err != nil {
			return err
		}

		out = cur
		return nil
	})
	return out, err
}

// Field resolves a dotted-path read-config field name against cfg. The
// second return is false for unknown field names, which the dispatcher
// turns into an UNSUPPORTED_OP-adjacent per-field omission rather than
// a whole-request failure.
func Field(cfg Config, path string) (interface{}, bool) {
	switch path {
	case "wifi.ssid":
		return cfg.WifiSSID, true
	case "wifi.pass":
		return cfg.WifiPass, true
	case "wifi.dhcp":
		return cfg.WifiDHCP, true
	case "mqtt.host":
		return cfg.MQTTHost, true
	case "mqtt.port":
		return cfg.MQTTPort, true
	case "mqtt.user":
		return cfg.MQTTUser, true
	case "mqtt.pass":
		return cfg.MQTTPass, true
	case "mqtt.topic_prefix":
		return cfg.MQTTTopicPrefix, true
	case "sys.cfg_version":
		return cfg.CfgVersion, true
	default:
		return nil, false
	}
}

func loadTx(b *bolt.Bucket) (Config, error) {
	var cfg Config
	cfg.WifiSSID = string(b.Get([]byte("wifi_ssid")))
	cfg.WifiPass = string(b.Get([]byte("wifi_pass")))
	cfg.WifiDHCP = boolFrom(b.Get([]byte("wifi_dhcp")))
	cfg.MQTTHost = string(b.Get([]byte("mqtt_host")))
	cfg.MQTTPort = int(uint32From(b.Get([]byte("mqtt_port"))))
	cfg.MQTTUser = string(b.Get([]byte("mqtt_user")))
	cfg.MQTTPass = string(b.Get([]byte("mqtt_pass")))
	cfg.MQTTTopicPrefix = string(b.Get([]byte("mqtt_topic_prefix")))
	cfg.CfgVersion = uint32From(b.Get([]byte("cfg_version")))
	return cfg, nil
}

func putString(b *bolt.Bucket, key, val string) error {
	return b.Put([]byte(key), []byte(val))
}

func putBool(b *bolt.Bucket, key string, val bool) error {
	v := byte(0)
	if val {
		v = 1
	}
	return b.Put([]byte(key), []byte{v})
}

func putUint32(b *bolt.Bucket, key string, val uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, val)
	return b.Put([]byte(key), buf)
}

func boolFrom(b []byte) bool {
	return len(b) == 1 && b[0] == 1
}

func uint32From(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
