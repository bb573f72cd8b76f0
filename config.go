package rain

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v1"

	"github.com/zPivot/transmission/internal/blocklist"
	"github.com/zPivot/transmission/internal/handshake"
	"github.com/zPivot/transmission/internal/peermanager"
)

// Config holds the process-wide tunables (spec.md §6). Per-torrent
// components (internal/peermanager, internal/handshake) get their own
// narrower config structs built from this one by PeerManagerConfig.
type Config struct {
	Port    uint16
	DataDir string `yaml:"data_dir"`

	Encryption struct {
		DisableOutgoing bool `yaml:"disable_outgoing"`
		ForceOutgoing   bool `yaml:"force_outgoing"`
		ForceIncoming   bool `yaml:"force_incoming"`
	}

	MaxConnectedPeers       int           `yaml:"max_connected_peers"`
	NumDownloadersToUnchoke int           `yaml:"num_downloaders_to_unchoke"`
	RechokePeriod           time.Duration `yaml:"rechoke_period_seconds"`
	PEXInterval             time.Duration `yaml:"pex_interval_seconds"`
	RefillDelay             time.Duration `yaml:"refill_delay_ms"`
	PeerPulse               time.Duration `yaml:"peer_pulse_ms"`
	BlockRequestCapMax      int           `yaml:"block_request_cap_max"`
	DialTimeout             time.Duration `yaml:"dial_timeout_seconds"`
	SnubTimeout             time.Duration `yaml:"snub_timeout_seconds"`
}

var DefaultConfig = Config{
	Port:    6881,
	DataDir: "~/rain",

	MaxConnectedPeers:       80,
	NumDownloadersToUnchoke: 4,
	RechokePeriod:           600 * time.Second,
	PEXInterval:             60 * time.Second,
	RefillDelay:             5000 * time.Millisecond,
	PeerPulse:               50 * time.Millisecond,
	BlockRequestCapMax:      100,
	DialTimeout:             30 * time.Second,
	SnubTimeout:             60 * time.Second,
}

func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return expandPaths(&c)
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return expandPaths(&c)
}

func expandPaths(c *Config) (*Config, error) {
	dir, err := homedir.Expand(c.DataDir)
	if err != nil {
		return nil, err
	}
	c.DataDir = dir
	return c, nil
}

// Preference maps the three encryption knobs onto the handshake engine's
// single negotiation stance. The three-bool shape predates MSE/PE
// support in this config and doesn't map onto the 4-state Preference
// one-to-one; ForceOutgoing+ForceIncoming both set is the only
// unambiguous case for EncryptionRequired, DisableOutgoing alone means
// we'd rather not pay the RC4 cost ourselves but still accept it,
// and the default is "prefer encryption, accept plaintext" to stay
// compatible with peers that don't speak MSE/PE at all.
func (c Config) Preference() handshake.Preference {
	switch {
	case c.Encryption.ForceOutgoing && c.Encryption.ForceIncoming:
		return handshake.EncryptionRequired
	case c.Encryption.DisableOutgoing:
		return handshake.PlaintextPreferred
	default:
		return handshake.EncryptionPreferred
	}
}

// PeerManagerConfig builds one torrent's peermanager.Config from the
// process-wide config plus the per-torrent identity the caller owns
// (listen port, client version string and peer ID are session-level, not
// torrent-level, but peermanager.Config carries its own copy so a Manager
// never reaches back into this package).
func (c Config) PeerManagerConfig(clientVersion string, peerID [20]byte) peermanager.Config {
	return peermanager.Config{
		MaxConnectedPeers:       c.MaxConnectedPeers,
		NumDownloadersToUnchoke: c.NumDownloadersToUnchoke,
		RechokePeriod:           c.RechokePeriod,
		RefillDelay:             c.RefillDelay,
		DialTimeout:             c.DialTimeout,
		ListenPort:              c.Port,
		ClientVersion:           clientVersion,
		Preference:              c.Preference(),
		PeerID:                  peerID,
		SnubTimeout:             c.SnubTimeout,
	}
}

// OpenBlocklist opens the process-wide ban list persisted under DataDir. A
// caller wires the result into every torrent's peermanager.Manager via
// SetBlocklist so a ban from one torrent's data-integrity hook is recorded
// in one shared store. Nothing in this module consults that store when
// connecting to or accepting peers.
func (c Config) OpenBlocklist() (*blocklist.Blocklist, error) {
	return blocklist.Open(filepath.Join(c.DataDir, "blocklist.db"))
}
