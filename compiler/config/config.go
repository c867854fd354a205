package config

import (
	"math/bits"
	"os"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
	"tlog.app/go/errors"
)

type (
	Config struct {
		Collector Collector `yaml:"collector"`
		Layout    Layout    `yaml:"layout"`
	}

	Collector struct {
		// Name selects the policy: none, card or concurrent.
		Name string `yaml:"name"`
		// Mode of the concurrent collector: satb or iu.
		Mode string `yaml:"mode"`

		Generational        bool `yaml:"generational"`
		ConditionalCardMark bool `yaml:"conditional_card_mark"`

		MergeTests bool `yaml:"merge_tests"`
		Unswitch   bool `yaml:"unswitch"`
		Verify     bool `yaml:"verify"`
	}

	// Layout is the runtime side of the contract: thread block offsets and
	// heap geometry. The interpreter lays its memory out from the same values.
	Layout struct {
		TLSBase          int64 `yaml:"tls_base"`
		GCStateOffset    int64 `yaml:"gc_state_offset"`
		SATBIndexOffset  int64 `yaml:"satb_index_offset"`
		SATBBufferOffset int64 `yaml:"satb_buffer_offset"`

		SATBBuffer     int64 `yaml:"satb_buffer"`
		SATBBufferSize Size  `yaml:"satb_buffer_size"`

		HeapBase   int64 `yaml:"heap_base"`
		HeapSize   Size  `yaml:"heap_size"`
		RegionSize Size  `yaml:"region_size"`
		CardSize   Size  `yaml:"card_size"`

		CsetTable int64 `yaml:"cset_table"`
		CardTable int64 `yaml:"card_table"`
	}

	// Size is a byte count written as a human size in config files.
	Size int64
)

const (
	CollectorNone       = "none"
	CollectorCard       = "card"
	CollectorConcurrent = "concurrent"

	ModeSATB = "satb"
	ModeIU   = "iu"
)

// Collector phase bits of the gc_state byte.
const (
	HasForwarded = 1 << iota
	Marking
	Evacuation
	UpdateRefs
	WeakRoots
)

// Runtime entry points reachable from barrier slow paths.
const (
	WriteQueueFlush int64 = 1 + iota
	LoadRefStrong
	LoadRefWeak
	LoadRefPhantom
	CloneFixup

	// UserEntry is the first entry number free for ordinary calls.
	UserEntry int64 = 100
)

// Object layout.
const (
	WordSize      = 8
	ForwardOffset = 0
	NFieldsOffset = 8
	HeaderSize    = 16
	MaxFields     = 32
	CardDirty     = 0
	CardClean     = 1
	TLSSize       = 0x100
)

// OptsEnv holds extra options applied over the config file.
const OptsEnv = "GCBAR_OPTS"

var entryNames = map[int64]string{
	WriteQueueFlush: "write_queue_flush",
	LoadRefStrong:   "load_ref_strong",
	LoadRefWeak:     "load_ref_weak",
	LoadRefPhantom:  "load_ref_phantom",
	CloneFixup:      "clone_fixup",
}

func FieldOffset(i int) int64 { return HeaderSize + int64(i)*WordSize }

func EntryName(e int64) string {
	if n, ok := entryNames[e]; ok {
		return n
	}

	return "call" + strconv.FormatInt(e, 10)
}

func Default() *Config {
	return &Config{
		Collector: Collector{
			Name:       CollectorConcurrent,
			Mode:       ModeSATB,
			MergeTests: true,
			Unswitch:   true,
			Verify:     true,
		},
		Layout: DefaultLayout(),
	}
}

func DefaultLayout() Layout {
	return Layout{
		TLSBase:          0x0100_0000,
		GCStateOffset:    0x20,
		SATBIndexOffset:  0x28,
		SATBBufferOffset: 0x30,

		SATBBuffer:     0x0200_0000,
		SATBBufferSize: 1 << 10,

		HeapBase:   0x1000_0000,
		HeapSize:   4 << 20,
		RegionSize: 64 << 10,
		CardSize:   512,

		CsetTable: 0x0300_0000,
		CardTable: 0x0400_0000,
	}
}

// Load reads a YAML file over the defaults.
func Load(name string) (*Config, error) {
	c := Default()

	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read")
	}

	err = yaml.UnmarshalStrict(data, c)
	if err != nil {
		return nil, errors.Wrap(err, "parse %v", name)
	}

	err = c.Validate()
	if err != nil {
		return nil, errors.Wrap(err, "%v", name)
	}

	return c, nil
}

// FromEnv applies the options from the environment variable if it is set.
func (c *Config) FromEnv(env string) error {
	opts, ok := os.LookupEnv(env)
	if !ok {
		return nil
	}

	return c.ApplyOpts(opts)
}

// ApplyOpts applies a shell-quoted list of key=value options,
// like `mode=iu generational=true region_size="32 KB"`.
func (c *Config) ApplyOpts(opts string) error {
	words, err := shlex.Split(opts)
	if err != nil {
		return errors.Wrap(err, "split options")
	}

	for _, w := range words {
		key, val, ok := strings.Cut(w, "=")
		if !ok {
			val = "true"
		}

		err = c.Set(key, val)
		if err != nil {
			return errors.Wrap(err, "option %v", key)
		}
	}

	return c.Validate()
}

// Set assigns one option by its yaml name.
func (c *Config) Set(key, val string) (err error) {
	col := &c.Collector
	l := &c.Layout

	switch key {
	case "name", "collector":
		col.Name = val
	case "mode":
		col.Mode = val
	case "generational":
		col.Generational, err = strconv.ParseBool(val)
	case "conditional_card_mark":
		col.ConditionalCardMark, err = strconv.ParseBool(val)
	case "merge_tests":
		col.MergeTests, err = strconv.ParseBool(val)
	case "unswitch":
		col.Unswitch, err = strconv.ParseBool(val)
	case "verify":
		col.Verify, err = strconv.ParseBool(val)
	case "satb_buffer_size":
		err = l.SATBBufferSize.Set(val)
	case "heap_size":
		err = l.HeapSize.Set(val)
	case "region_size":
		err = l.RegionSize.Set(val)
	case "card_size":
		err = l.CardSize.Set(val)
	case "gc_state_offset":
		l.GCStateOffset, err = strconv.ParseInt(val, 0, 64)
	case "satb_index_offset":
		l.SATBIndexOffset, err = strconv.ParseInt(val, 0, 64)
	case "satb_buffer_offset":
		l.SATBBufferOffset, err = strconv.ParseInt(val, 0, 64)
	default:
		return errors.New("unknown option")
	}

	return err
}

func (c *Config) Validate() error {
	switch c.Collector.Name {
	case CollectorNone, CollectorCard, CollectorConcurrent:
	default:
		return errors.New("unknown collector: %q", c.Collector.Name)
	}

	switch c.Collector.Mode {
	case ModeSATB, ModeIU:
	default:
		return errors.New("unknown concurrent mode: %q", c.Collector.Mode)
	}

	return c.Layout.Validate()
}

func (l *Layout) Validate() error {
	for _, x := range []struct {
		name string
		v    Size
	}{
		{"satb_buffer_size", l.SATBBufferSize},
		{"heap_size", l.HeapSize},
		{"region_size", l.RegionSize},
		{"card_size", l.CardSize},
	} {
		if x.v <= 0 || x.v&(x.v-1) != 0 {
			return errors.New("%v: %v is not a power of two", x.name, x.v)
		}
	}

	if l.SATBBufferSize < WordSize {
		return errors.New("satb_buffer_size: too small: %v", l.SATBBufferSize)
	}

	if l.HeapSize < l.RegionSize {
		return errors.New("heap_size %v is less than region_size %v", l.HeapSize, l.RegionSize)
	}

	if l.HeapBase&int64(l.RegionSize-1) != 0 {
		return errors.New("heap_base %#x is not region aligned", l.HeapBase)
	}

	for _, off := range []int64{l.GCStateOffset, l.SATBIndexOffset, l.SATBBufferOffset} {
		if off < 0 || off+WordSize > TLSSize {
			return errors.New("thread block offset %#x out of range", off)
		}
	}

	return nil
}

func (l *Layout) RegionShift() uint { return uint(bits.TrailingZeros64(uint64(l.RegionSize))) }
func (l *Layout) CardShift() uint   { return uint(bits.TrailingZeros64(uint64(l.CardSize))) }

func (l *Layout) Regions() int { return int(l.HeapSize / l.RegionSize) }
func (l *Layout) Cards() int   { return int(l.HeapSize / l.CardSize) }

// CsetBase is the biased collection-set table base: the in-cset byte of
// address a is at CsetBase + a>>RegionShift.
func (l *Layout) CsetBase() int64 { return l.CsetTable - l.HeapBase>>l.RegionShift() }

// CardBase is the biased card table base: the card of address a is at
// CardBase + a>>CardShift.
func (l *Layout) CardBase() int64 { return l.CardTable - l.HeapBase>>l.CardShift() }

func (s *Size) Set(v string) error {
	b, err := bytesize.Parse(v)
	if err != nil {
		return errors.Wrap(err, "size %q", v)
	}

	*s = Size(b)

	return nil
}

func (s Size) String() string { return bytesize.New(float64(s)).String() }

func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v string

	err := unmarshal(&v)
	if err != nil {
		return err
	}

	return s.Set(v)
}

func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}
