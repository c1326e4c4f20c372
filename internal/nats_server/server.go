package nats_server

import (
	"time"

	"arena-validator/apiconfig"
	"arena-validator/logging"
	"arena-validator/storeclient"
	"arena-validator/types"

	natssrv "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NatsServer is the embedded shared store for single-validator and test
// deployments. Production networks point every validator at one external
// NATS cluster instead.
type NatsServer interface {
	Start() error
	Shutdown()
}

type server struct {
	conf apiconfig.StoreConfig
	ns   *natssrv.Server
}

func NewServer(config apiconfig.StoreConfig) NatsServer {
	return &server{conf: config}
}

func (s *server) Start() error {
	natsConf := s.conf.Nats
	logging.Info("Starting embedded nats server", types.Store,
		"port", natsConf.Port,
		"host", natsConf.Host,
		"test_mode", natsConf.TestMode,
		"storage_dir", natsConf.StorageDir,
	)

	opts := &natssrv.Options{
		Host:      natsConf.Host,
		Port:      natsConf.Port,
		JetStream: true,
	}

	if natsConf.TestMode {
		logging.Info("Ignoring storage dir, nats running in test mode", types.Store)
	} else {
		opts.StoreDir = natsConf.StorageDir
	}

	ns, err := natssrv.NewServer(opts)
	if err != nil {
		return errors.Wrap(err, "failed to create NATS server")
	}

	s.ns = ns
	go ns.Start()

	for i := 0; i < 3; i++ {
		time.Sleep(1 * time.Second)
		if ns.ReadyForConnections(2 * time.Second) {
			break
		}
		if i == 2 {
			return errors.New("NATS server not ready after 3 attempts")
		}
	}

	return s.createBuckets([]string{s.conf.ContentBucket, s.conf.AnnounceBucket})
}

func (s *server) Shutdown() {
	if s.ns != nil {
		s.ns.Shutdown()
	}
}

// createBuckets provisions the store's key-value buckets up front so the
// first validator to publish does not race bucket creation.
func (s *server) createBuckets(buckets []string) error {
	nc, err := nats.Connect(s.ns.ClientURL())
	if err != nil {
		return errors.Wrap(err, "failed to connect to embedded NATS")
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return errors.Wrap(err, "failed to get JetStream context")
	}

	for _, bucket := range buckets {
		if _, err := storeclient.EnsureBucket(js, bucket); err != nil {
			return err
		}
	}
	return nil
}
