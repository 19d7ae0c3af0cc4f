package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"veilnet"
	"veilnet/internal/storage"
	"veilnet/internal/veilcrypto"
	"veilnet/internal/wire"
)

var log = logging.Logger("veilnode")

type paths struct {
	baseDir string
	store   string
}

func nodePaths(override string) (paths, error) {
	base := override
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return paths{}, fmt.Errorf("cannot find home dir: %w", err)
		}
		base = filepath.Join(home, ".veilnet")
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return paths{}, fmt.Errorf("cannot create veilnet dir: %w", err)
	}
	return paths{baseDir: base, store: filepath.Join(base, "node.vnps")}, nil
}

func generateSecrets() (storage.Secrets, error) {
	suite := veilcrypto.NewSuite(0)

	var secrets storage.Secrets
	signing, err := suite.GenerateSigningKeyPair()
	if err != nil {
		return secrets, fmt.Errorf("generate signing key: %w", err)
	}
	var rawSeed [32]byte
	copy(rawSeed[:], signing.Private.Seed())
	secrets.SigningSeed = bindToDevice(rawSeed)

	dh, err := suite.GenerateKeyPair()
	if err != nil {
		return secrets, fmt.Errorf("generate dh key: %w", err)
	}
	secrets.DHPrivate = dh.Private

	route, err := suite.GenerateKeyPair()
	if err != nil {
		return secrets, fmt.Errorf("generate route key: %w", err)
	}
	secrets.RoutePriv = route.Private

	return secrets, nil
}

func main() {
	logging.SetLogLevel("*", "info")

	cfg := veilnet.DefaultConfig()

	var (
		dataDir    string
		newNet     bool
		nodePass   string
		listenUDP  string
		listenTCP  string
		seedsFlag  string
		flushEvery time.Duration
	)

	flag.StringVar(&dataDir, "data-dir", "", "node data directory (default: ~/.veilnet)")
	flag.BoolVar(&newNet, "new-net", false, "generate a fresh node identity if no store exists")
	flag.StringVar(&nodePass, "node-pass", "", "passphrase for the protected store (or set VEILNET_NODE_PASS)")
	flag.StringVar(&listenUDP, "listen-udp", cfg.ListenUDP, "UDP listen address")
	flag.StringVar(&listenTCP, "listen-tcp", cfg.ListenTCP, "TCP listen address")
	flag.StringVar(&seedsFlag, "bootstrap", "", "comma-separated bootstrap seed hostnames")
	flag.DurationVar(&flushEvery, "flush-interval", 30*time.Second, "protected-store flush interval")
	flag.Parse()

	cfg.ListenUDP = listenUDP
	cfg.ListenTCP = listenTCP
	if seedsFlag != "" {
		cfg.BootstrapSeeds = splitSeeds(seedsFlag)
	}

	p, err := nodePaths(dataDir)
	if err != nil {
		log.Fatalf("paths: %v", err)
	}

	if nodePass == "" {
		nodePass = os.Getenv("VEILNET_NODE_PASS")
	}
	if nodePass == "" {
		log.Fatalf("node store passphrase missing. Supply --node-pass or set VEILNET_NODE_PASS")
	}

	suite := veilcrypto.NewSuite(0)
	store, err := storage.OpenProtectedStore(suite, p.store, []byte(nodePass))
	if err != nil {
		log.Fatalf("open node store: %v", err)
	}

	secrets, ok := storage.LoadSecrets(store)
	if !ok {
		if !newNet {
			log.Fatalf("no node identity in %s; run with --new-net to create one", p.store)
		}
		secrets, err = generateSecrets()
		if err != nil {
			log.Fatalf("generate identity: %v", err)
		}
		if err := storage.SaveSecrets(store, secrets); err != nil {
			log.Fatalf("save identity: %v", err)
		}
		if err := store.Save(); err != nil {
			log.Fatalf("create node store: %v", err)
		}
		log.Infof("created new node identity in %s", p.store)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go storage.RunAutosave(ctx, store, flushEvery)

	node, err := veilnet.Init(cfg, secrets, store)
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	if err := node.Attach(ctx); err != nil {
		log.Fatalf("attach: %v", err)
	}
	log.Infof("node attached id=%x (GOOS=%s)", node.SelfID().Key[:8], runtime.GOOS)

	<-ctx.Done()
	log.Infof("shutting down")

	if err := node.Shutdown(); err != nil {
		log.Warnf("shutdown: %v", err)
	}
	if err := store.Save(); err != nil {
		log.Warnf("final store save: %v", err)
	}
}

func splitSeeds(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, resolveSeedToken(s[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

// resolveSeedToken accepts either a bare hostname/IP (resolved by
// Table.Bootstrap via DNS) or a multiaddr like "/ip4/1.2.3.4/tcp/9000",
// returning the hostname portion in either case.
func resolveSeedToken(tok string) string {
	if !strings.HasPrefix(tok, "/") {
		return tok
	}
	di, err := wire.DialInfoFromMultiaddr(tok)
	if err != nil {
		log.Fatalf("invalid bootstrap seed multiaddr %q: %v", tok, err)
	}
	host, _, err := net.SplitHostPort(di.Address)
	if err != nil {
		return di.Address
	}
	return host
}
