package sessionorm

import (
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type ConfigMysql struct {
	Code               string `yaml:"code"`
	URI                string `yaml:"uri"`
	ConnMaxLifetime    int    `yaml:"connMaxLifetime"`
	MaxOpenConnections int    `yaml:"maxOpenConnections"`
	MaxIdleConnections int    `yaml:"maxIdleConnections"`
	DefaultEncoding    string `yaml:"defaultEncoding"`
}

type ConfigMemory struct {
	Code string `yaml:"code"`
}

type ConfigRedis struct {
	Code     string   `yaml:"code"`
	URI      string   `yaml:"uri"`
	Database int      `yaml:"database"`
	User     string   `yaml:"user"`
	Password string   `yaml:"password"`
	Streams  []string `yaml:"streams"`
}

type ConfigRedisSentinel struct {
	Code       string   `yaml:"code"`
	MasterName string   `yaml:"masterName"`
	Database   int      `yaml:"database"`
	Sentinels  []string `yaml:"sentinels"`
	User       string   `yaml:"user"`
	Password   string   `yaml:"password"`
	Streams    []string `yaml:"streams"`
}

type ConfigSession struct {
	Isolation string `yaml:"isolation"`
}

type Config struct {
	MySQlPools         []ConfigMysql         `yaml:"mysqlPools"`
	MemoryPools        []ConfigMemory        `yaml:"memoryPools"`
	RedisPools         []ConfigRedis         `yaml:"redisPools"`
	RedisSentinelPools []ConfigRedisSentinel `yaml:"redisSentinelPools"`
	Session            ConfigSession         `yaml:"session"`
}

func (r *registry) InitByYaml(data []byte) error {
	config := &Config{}
	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return errors.Wrap(err, "invalid yaml config")
	}
	return r.InitByConfig(config)
}

func (r *registry) InitByConfig(config *Config) error {
	for _, pool := range config.MySQlPools {
		if pool.Code == "" || pool.URI == "" {
			return errors.New("mysql pool requires code and uri")
		}
		options := &MySQLOptions{}
		options.ConnMaxLifetime = time.Duration(pool.ConnMaxLifetime) * time.Second
		options.MaxOpenConnections = pool.MaxOpenConnections
		options.MaxIdleConnections = pool.MaxIdleConnections
		options.DefaultEncoding = pool.DefaultEncoding
		r.RegisterMySQL(pool.URI, pool.Code, options)
	}
	for _, pool := range config.MemoryPools {
		if pool.Code == "" {
			return errors.New("memory pool requires code")
		}
		r.RegisterMemoryStore(pool.Code)
	}
	for _, pool := range config.RedisPools {
		if pool.Code == "" || pool.URI == "" {
			return errors.New("redis pool requires code and uri")
		}
		options := &RedisOptions{}
		if pool.User != "" {
			options.User = pool.User
		}
		if pool.Password != "" {
			options.Password = pool.Password
		}
		r.RegisterRedis(pool.URI, pool.Database, pool.Code, options)
		for _, stream := range pool.Streams {
			r.RegisterRedisStream(stream, pool.Code)
		}
	}
	for _, pool := range config.RedisSentinelPools {
		if pool.Code == "" || pool.MasterName == "" {
			return errors.New("redis sentinel pool requires code and masterName")
		}
		options := &RedisOptions{Master: pool.MasterName, Sentinels: pool.Sentinels}
		if pool.User != "" {
			options.User = pool.User
		}
		if pool.Password != "" {
			options.Password = pool.Password
		}
		r.RegisterRedis("", pool.Database, pool.Code, options)
		for _, stream := range pool.Streams {
			r.RegisterRedisStream(stream, pool.Code)
		}
	}
	if config.Session.Isolation != "" {
		isolation, valid := parseIsolation(config.Session.Isolation)
		if !valid {
			return errors.Errorf("invalid session isolation '%s'", config.Session.Isolation)
		}
		r.SetDefaultIsolation(isolation)
	}
	return nil
}
