package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/logger"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/conf"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/buffer_pool"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/dict"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/purge"
)

// 每个undo表空间内初始化的回滚段数
const rsegsPerSpace = 8

func main() {
	var configPath string
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.Parse()

	config := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})

	if err := logger.InitLogger(logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
	}); err != nil {
		panic("failed to initialize logger: " + err.Error())
	}

	poolPages := uint32(config.InnodbBufferPoolSize / config.InnodbPageSize)
	bp := buffer_pool.NewBufferPool(poolPages)
	ts := purge.NewTrxSys()
	dc := dict.NewDict()

	purgeSys := purge.NewPurgeSys(ts, bp, dc, config)
	for i := 0; i < config.InnodbUndoTablespaces; i++ {
		spaceID := uint32(i + 1)
		space, _, err := purge.CreateUndoTablespace(bp, ts, spaceID,
			uint32(i*rsegsPerSpace), rsegsPerSpace)
		if err != nil {
			logger.Errorf("create undo tablespace %d: %v", spaceID, err)
			os.Exit(1)
		}
		purgeSys.RegisterSpace(space)
	}
	logger.Infof("undo subsystem ready, %d tablespaces, %d rsegs, %d purge threads",
		config.InnodbUndoTablespaces,
		config.InnodbUndoTablespaces*rsegsPerSpace,
		config.InnodbPurgeThreads)

	purgeSys.RunCoordinator()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Infof("shutting down, history length %d", ts.HistorySize())
	purgeSys.Close()
}
