package conf

import (
	"os"
	"path/filepath"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/logger"

	"gopkg.in/ini.v1"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

type Cfg struct {
	Raw     *ini.File
	User    string
	BaseDir string
	DataDir string
	AppName string

	// logs
	LogError string `default:"/var/log/mysql/error.log" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"/var/log/mysql/mysql.log" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`

	// innodb
	InnodbDataDir        string `default:"data" yaml:"innodb_data_dir" json:"innodb_data_dir,omitempty"`
	InnodbBufferPoolSize int    `default:"134217728" yaml:"innodb_buffer_pool_size" json:"innodb_buffer_pool_size,omitempty"`
	InnodbPageSize       int    `default:"16384" yaml:"innodb_page_size" json:"innodb_page_size,omitempty"`
	InnodbUndoLogDir     string `default:"undo" yaml:"innodb_undo_log_dir" json:"innodb_undo_log_dir,omitempty"`

	// purge与undo
	InnodbPurgeThreads    int    `default:"4" yaml:"innodb_purge_threads" json:"innodb_purge_threads,omitempty"`
	InnodbPurgeBatchSize  int    `default:"300" yaml:"innodb_purge_batch_size" json:"innodb_purge_batch_size,omitempty"`
	InnodbMaxPurgeLag     int    `default:"0" yaml:"innodb_max_purge_lag" json:"innodb_max_purge_lag,omitempty"`
	InnodbMaxPurgeLagDelay int   `default:"0" yaml:"innodb_max_purge_lag_delay" json:"innodb_max_purge_lag_delay,omitempty"`
	InnodbUndoTablespaces int    `default:"2" yaml:"innodb_undo_tablespaces" json:"innodb_undo_tablespaces,omitempty"`
	InnodbUndoLogTruncate bool   `default:"false" yaml:"innodb_undo_log_truncate" json:"innodb_undo_log_truncate,omitempty"`
	InnodbMaxUndoLogSize  int64  `default:"10485760" yaml:"innodb_max_undo_log_size" json:"innodb_max_undo_log_size,omitempty"`
	InnodbFastShutdown    int    `default:"1" yaml:"innodb_fast_shutdown" json:"innodb_fast_shutdown,omitempty"`
	InnodbTmpDir          string `default:"/tmp" yaml:"innodb_tmp_dir" json:"innodb_tmp_dir,omitempty"`
}

// NewCfg 返回带默认值的配置
func NewCfg() *Cfg {
	return &Cfg{
		User:    "mysql",
		BaseDir: "/usr",
		DataDir: "/var/lib/mysql",
		AppName: "mariadb-server",

		LogError: "/var/log/mysql/error.log",
		LogInfos: "/var/log/mysql/mysql.log",
		LogLevel: "info",

		InnodbDataDir:        "data",
		InnodbBufferPoolSize: 134217728, // 128MB
		InnodbPageSize:       16384,     // 16KB
		InnodbUndoLogDir:     "undo",

		InnodbPurgeThreads:     4,
		InnodbPurgeBatchSize:   300,
		InnodbMaxPurgeLag:      0,
		InnodbMaxPurgeLagDelay: 0,
		InnodbUndoTablespaces:  2,
		InnodbUndoLogTruncate:  false,
		InnodbMaxUndoLogSize:   10 * 1024 * 1024,
		InnodbFastShutdown:     1,
		InnodbTmpDir:           os.TempDir(),
	}
}

func (cfg *Cfg) Load(args *CommandLineArgs) *Cfg {
	setHomePath(args)
	iniFile, err := cfg.loadConfiguration(args)
	if err != nil {
		logger.Debugf("加载配置文件时有异常: %v\n", err)
		os.Exit(1)
	}
	cfg.Raw = iniFile

	cfg.parseMysqldCfg(cfg.Raw.Section("mysqld"))
	cfg.parseInnodbCfg(cfg.Raw.Section("innodb"))
	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	return cfg
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}

	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	configFile := filepath.Join(ConfigPath, "my.ini")
	if args.ConfigPath != "" {
		configFile = args.ConfigPath
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		// 没有配置文件时使用默认值
		return ini.Empty(), nil
	}
	return ini.Load(configFile)
}

func (cfg *Cfg) parseMysqldCfg(section *ini.Section) *Cfg {
	cfg.User = section.Key("user").MustString(cfg.User)
	cfg.BaseDir = section.Key("basedir").MustString(cfg.BaseDir)
	cfg.DataDir = section.Key("datadir").MustString(cfg.DataDir)
	return cfg
}

func (cfg *Cfg) parseInnodbCfg(section *ini.Section) *Cfg {
	cfg.InnodbDataDir = section.Key("innodb_data_dir").MustString(cfg.InnodbDataDir)
	cfg.InnodbBufferPoolSize = section.Key("innodb_buffer_pool_size").MustInt(cfg.InnodbBufferPoolSize)
	cfg.InnodbPageSize = section.Key("innodb_page_size").MustInt(cfg.InnodbPageSize)
	cfg.InnodbUndoLogDir = section.Key("innodb_undo_log_dir").MustString(cfg.InnodbUndoLogDir)

	cfg.InnodbPurgeThreads = section.Key("innodb_purge_threads").MustInt(cfg.InnodbPurgeThreads)
	if cfg.InnodbPurgeThreads < 1 {
		cfg.InnodbPurgeThreads = 1
	}
	if cfg.InnodbPurgeThreads > 32 {
		cfg.InnodbPurgeThreads = 32
	}
	cfg.InnodbPurgeBatchSize = section.Key("innodb_purge_batch_size").MustInt(cfg.InnodbPurgeBatchSize)
	cfg.InnodbMaxPurgeLag = section.Key("innodb_max_purge_lag").MustInt(cfg.InnodbMaxPurgeLag)
	cfg.InnodbMaxPurgeLagDelay = section.Key("innodb_max_purge_lag_delay").MustInt(cfg.InnodbMaxPurgeLagDelay)
	cfg.InnodbUndoTablespaces = section.Key("innodb_undo_tablespaces").MustInt(cfg.InnodbUndoTablespaces)
	cfg.InnodbUndoLogTruncate = section.Key("innodb_undo_log_truncate").MustBool(cfg.InnodbUndoLogTruncate)
	cfg.InnodbMaxUndoLogSize = section.Key("innodb_max_undo_log_size").MustInt64(cfg.InnodbMaxUndoLogSize)
	cfg.InnodbFastShutdown = section.Key("innodb_fast_shutdown").MustInt(cfg.InnodbFastShutdown)
	cfg.InnodbTmpDir = section.Key("innodb_tmp_dir").MustString(cfg.InnodbTmpDir)
	return cfg
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) *Cfg {
	cfg.LogError = section.Key("log_error").MustString(cfg.LogError)
	cfg.LogInfos = section.Key("log_infos").MustString(cfg.LogInfos)
	cfg.LogLevel = section.Key("log_level").MustString(cfg.LogLevel)
	return cfg
}
