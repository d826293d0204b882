package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	listenAddr             = ":8085"
	maxConcurrentDownloads = 3
	segmentsPerDownload    = 4
	perAccountConcurrency  = 1
	maxRetries             = 3
	retryDelay             = 2 * time.Second
	idleTimeout            = 30 * time.Second
	saveInterval           = 10 * time.Second
	scalingMin             = 1
	scalingMax             = 8
	scalingInterval        = 5 * time.Second
	scalingErrorThreshold  = 3
	scalingGrowBelow       = 0.9
	resolverTimeout        = 30 * time.Second
	searchTimeout          = 15 * time.Second
	defaultPriority        = 1
	admitBackoff           = time.Second
	admitBackoffMax        = 30 * time.Second
)

var (
	downloadDir = xdg.UserDirs.Download
	dataDir     = filepath.Join(xdg.DataHome, configFileName)
)
