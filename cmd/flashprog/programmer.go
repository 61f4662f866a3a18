package main

import (
	"context"
	"fmt"
	"strconv"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/flashprog/flashprog/internal/chipio"
	"github.com/flashprog/flashprog/internal/transport"
	"github.com/flashprog/flashprog/internal/transport/dummy"
	"github.com/flashprog/flashprog/internal/transport/mtd"
	"github.com/flashprog/flashprog/internal/transport/spiflash"
)

// newRegistry builds the bounded transport.Registry (<=4 masters, §5)
// with one Factory per transport this module ships: a real SPI NOR
// master over periph.io, Linux MTD, and an in-memory dummy master for
// testing without hardware.
func newRegistry() *transport.Registry {
	r := transport.NewRegistry()
	_ = r.Register("dummy", dummyFactory)
	_ = r.Register("mtd", mtdFactory)
	_ = r.Register("spi", spiFactory)
	return r
}

// dummyFactory builds an in-memory master; "size" defaults to 16 MiB,
// "erased" defaults to 0xff.
func dummyFactory(_ context.Context, params map[string]string) (chipio.Master, error) {
	size := 16 * 1024 * 1024
	if v, ok := params["size"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("programmer dummy: bad size %q: %w", v, err)
		}
		size = n
	}
	erased := byte(0xff)
	if v, ok := params["erased"]; ok && v != "" {
		n, err := strconv.ParseUint(v, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("programmer dummy: bad erased value %q: %w", v, err)
		}
		erased = byte(n)
	}
	return dummy.New(size, erased), nil
}

// mtdFactory opens the Linux MTD device named by the "dev" parameter
// (e.g. "programmer mtd:dev=0" for /dev/mtd0).
func mtdFactory(_ context.Context, params map[string]string) (chipio.Master, error) {
	devStr, ok := params["dev"]
	if !ok {
		return nil, fmt.Errorf("programmer mtd: missing required \"dev\" parameter")
	}
	dev, err := strconv.Atoi(devStr)
	if err != nil {
		return nil, fmt.Errorf("programmer mtd: bad dev %q: %w", devStr, err)
	}
	return mtd.Open(dev)
}

// spiFactory opens a periph.io SPI port ("bus", default first
// registered port) and chip-select GPIO pin ("cs", required), matching
// the gice driver's construction pattern.
func spiFactory(_ context.Context, params map[string]string) (chipio.Master, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("programmer spi: initializing periph.io host: %w", err)
	}
	port, err := spireg.Open(params["bus"])
	if err != nil {
		return nil, fmt.Errorf("programmer spi: opening SPI port %q: %w", params["bus"], err)
	}
	csName, ok := params["cs"]
	if !ok {
		port.Close()
		return nil, fmt.Errorf("programmer spi: missing required \"cs\" parameter (chip-select GPIO name)")
	}
	cs := gpioreg.ByName(csName)
	if cs == nil {
		port.Close()
		return nil, fmt.Errorf("programmer spi: unknown GPIO pin %q", csName)
	}
	conn, err := port.Connect(20*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("programmer spi: connecting: %w", err)
	}
	return spiflash.New(conn, cs), nil
}
