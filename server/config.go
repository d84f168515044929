package server

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/alexflint/go-arg"
)

// Config is read from flags and the environment first. Whatever is still
// unset is taken from the TOML file named by ConfigFile, then from defaults.
type Config struct {
	ConfigFile string `arg:"--config,env:RW_CONFIG" help:"TOML file to fill unset options from" toml:"-"`

	Address      string   `arg:"--address,env:RW_LISTEN_ADDRESS" help:"address to listen on [default: localhost:36379]" toml:"address"`
	AdminAddress string   `arg:"--admin-address,env:RW_ADMIN_ADDRESS" help:"address serving /metrics and /healthz" toml:"admin_address"`
	Upstreams    []string `arg:"--upstream,separate,env:RW_UPSTREAMS" help:"redis servers to forward to" toml:"upstreams"`
	PoolSize     int32    `arg:"--pool-size,env:RW_POOL_SIZE" help:"connections kept per upstream [default: 8]" toml:"pool_size"`
	MaxSize      int64    `arg:"--proto-max-bulk-len,env:RW_PROTO_MAX_BULK_LEN" help:"max length of bulk string" toml:"proto_max_bulk_len"`

	Brokers        []string `arg:"--kafka-brokers,env:RW_KAFKA_BROKERS" help:"journal replies to these kafka brokers" toml:"kafka_brokers"`
	Topic          string   `arg:"--topic,env:RW_TOPIC" help:"journal topic [default: respwire-replies]" toml:"topic"`
	MaxRecordBytes int      `arg:"--max-record-bytes,env:RW_MAX_RECORD_BYTES" help:"split journaled frames into records of at most this size" toml:"max_record_bytes"`
}

const (
	defaultAddress  = "localhost:36379"
	defaultPoolSize = 8
	defaultTopic    = "respwire-replies"
)

func (c *Config) GetMaxSize() int64 {
	if c.MaxSize == 0 {
		return 512 * 1000000
	}
	return c.MaxSize
}

// Parse reads args, which do not include the program name, and the
// environment, then completes the config.
func (c *Config) Parse(args []string) error {
	p, err := arg.NewParser(arg.Config{Program: "respwire"}, c)
	if err != nil {
		return err
	}
	err = p.Parse(args)
	if err != nil {
		return err
	}
	return c.Complete()
}

// Complete fills unset options from ConfigFile and then from defaults.
func (c *Config) Complete() error {
	if c.ConfigFile != "" {
		var file Config
		_, err := toml.DecodeFile(c.ConfigFile, &file)
		if err != nil {
			return fmt.Errorf("reading config %q: %w", c.ConfigFile, err)
		}
		c.merge(file)
	}

	if c.Address == "" {
		c.Address = defaultAddress
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.Topic == "" {
		c.Topic = defaultTopic
	}
	return nil
}

func (c *Config) merge(o Config) {
	if c.Address == "" {
		c.Address = o.Address
	}
	if c.AdminAddress == "" {
		c.AdminAddress = o.AdminAddress
	}
	if len(c.Upstreams) == 0 {
		c.Upstreams = o.Upstreams
	}
	if c.PoolSize == 0 {
		c.PoolSize = o.PoolSize
	}
	if c.MaxSize == 0 {
		c.MaxSize = o.MaxSize
	}
	if len(c.Brokers) == 0 {
		c.Brokers = o.Brokers
	}
	if c.Topic == "" {
		c.Topic = o.Topic
	}
	if c.MaxRecordBytes == 0 {
		c.MaxRecordBytes = o.MaxRecordBytes
	}
}
