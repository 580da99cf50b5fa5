package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	OSS      OSSConfig      `mapstructure:"oss"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Activity ActivityConfig `mapstructure:"activity"`
	CORS     CORSConfig     `mapstructure:"cors"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

type OSSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	BucketName      string `mapstructure:"bucket_name"`
	CDNDomain       string `mapstructure:"cdn_domain"`
}

type UploadConfig struct {
	MaxSize           int64    `mapstructure:"max_size"`           // 最大 PDF 大小（字节）
	UploadDir         string   `mapstructure:"upload_dir"`         // 上传文件目录
	ExpireHours       int      `mapstructure:"expire_hours"`       // 临时文件过期时间（小时）
	AllowedExtensions []string `mapstructure:"allowed_extensions"` // 允许的扩展名
}

type AudioConfig struct {
	OutputDir    string `mapstructure:"output_dir"`    // 音频输出目录
	OutputFormat string `mapstructure:"output_format"` // 输出格式（mp3）
	MaxDuration  int    `mapstructure:"max_duration"`  // 最大音频时长（秒）
}

type PipelineConfig struct {
	ConversionQueue    string `mapstructure:"conversion_queue"`     // 转换任务队列名
	MaxWorkers         int    `mapstructure:"max_workers"`          // worker 数量
	StepIntervalMillis int    `mapstructure:"step_interval_millis"` // 进度持久化间隔
	JobTimeoutSeconds  int    `mapstructure:"job_timeout_seconds"`  // 单个任务超时
	LockTTLSeconds     int    `mapstructure:"lock_ttl_seconds"`     // 任务互斥锁 TTL
}

type ActivityConfig struct {
	MaxEntries int `mapstructure:"max_entries"` // 每用户活动日志条数上限
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

func Load(configPath string) (*Config, error) {
	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	// 检查 config.local.yaml 是否存在
	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	// 环境变量覆盖
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
