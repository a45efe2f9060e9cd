// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/raid10/internal/core"
	"github.com/westerndigitalcorporation/raid10/internal/md"
	"github.com/westerndigitalcorporation/raid10/internal/raid10"
	"github.com/westerndigitalcorporation/raid10/pkg/blockdev"
)

var usage = `
	raidcli manages a raid10 array assembled from file-backed member devices.

	You can use raidcli in two modes: either issue one command against a store
	or start a command line interpreter to issue commands interactively:

		raidcli --store <path> --dev <file> --dev <file> ... <subcommand> [<flags>...]

		raidcli --store <path> --dev <file> ... shell

	In shell mode the array stays assembled between commands, so sequences
	like fail/remove/add/recover exercise the array online. A --dev value of
	"missing" leaves that slot empty.
	`

// raidCli drives one array through the md host. In shell mode the host is
// kept open across commands; in one-shot mode every command assembles and
// stops around itself.
type raidCli struct {
	app     *cli.App
	host    *md.Host
	inShell bool
}

func newRaidCli() *raidCli {
	r := &raidCli{}
	app := cli.NewApp()
	app.Name = "raidcli"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "store, s",
			Usage: "Path of the metadata store file",
		},
		cli.StringSliceFlag{
			Name:  "dev, d",
			Usage: "Member device file, repeatable, in slot order ('missing' for an absent slot)",
		},
		cli.Int64Flag{
			Name:  "dev-sectors",
			Usage: "Size of each member device in sectors",
			Value: 131072,
		},
		cli.BoolFlag{
			Name:  "rotational",
			Usage: "Treat member devices as rotational for read balancing",
		},
	}

	sectorFlag := cli.Int64Flag{
		Name:  "sector",
		Usage: "logical sector offset (default: 0)",
	}
	lengthFlag := cli.Int64Flag{
		Name:  "length, l",
		Usage: "length in sectors",
		Value: 8,
	}
	fileFlag := cli.StringFlag{
		Name:  "file, f",
		Usage: "file to read data from / write data to",
	}
	slotFlag := cli.IntFlag{
		Name:  "slot",
		Usage: "device slot number",
	}
	waitFlag := cli.BoolFlag{
		Name:  "wait, w",
		Usage: "block until the pass finishes",
	}

	app.Commands = []cli.Command{
		{
			Name:  "create",
			Usage: "Creates a new array over the given devices and writes a fresh store.",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "near", Usage: "near copies", Value: 2},
				cli.IntFlag{Name: "far", Usage: "far copies", Value: 1},
				cli.BoolFlag{Name: "offset", Usage: "offset layout for far copies"},
				cli.Int64Flag{Name: "chunk", Usage: "chunk size in sectors", Value: 1024},
			},
			Action: r.cmdCreate,
		},
		{
			Name:    "assemble",
			Aliases: []string{"a"},
			Usage:   "Assembles the array recorded in the store.",
			Action:  r.cmdAssemble,
		},
		{
			Name:   "stop",
			Usage:  "Stops the assembled array, writing a clean superblock.",
			Action: r.cmdStop,
		},
		{
			Name:    "write",
			Aliases: []string{"w"},
			Usage:   "Writes data to the array.",
			Flags: []cli.Flag{
				sectorFlag,
				fileFlag,
				cli.StringFlag{Name: "data", Usage: "inline data (padded to whole sectors)"},
				cli.BoolFlag{Name: "atomic", Usage: "fail instead of narrowing around bad blocks"},
				cli.BoolFlag{Name: "preflush", Usage: "flush all devices before the write"},
				cli.BoolFlag{Name: "nowait", Usage: "fail with would-block instead of sleeping"},
			},
			Action: r.cmdWrite,
		},
		{
			Name:    "read",
			Aliases: []string{"r"},
			Usage:   "Reads data from the array.",
			Flags: []cli.Flag{
				sectorFlag,
				lengthFlag,
				fileFlag,
			},
			Action: r.cmdRead,
		},
		{
			Name:   "discard",
			Usage:  "Discards a logical range (must span at least two stripes).",
			Flags: []cli.Flag{
				sectorFlag,
				lengthFlag,
			},
			Action: r.cmdDiscard,
		},
		{
			Name:   "flush",
			Usage:  "Flushes every member device.",
			Action: r.cmdFlush,
		},
		{
			Name:    "status",
			Aliases: []string{"st"},
			Usage:   "Prints the array summary and per-device state.",
			Action:  r.cmdStatus,
		},
		{
			Name:   "fail",
			Usage:  "Marks the device in a slot faulty.",
			Flags:  []cli.Flag{slotFlag},
			Action: r.cmdFail,
		},
		{
			Name:   "add",
			Usage:  "Hot-adds a device file as rebuild target or replacement.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "file, f", Usage: "device file to add"},
			},
			Action: r.cmdAdd,
		},
		{
			Name:   "remove",
			Usage:  "Hot-removes the device in a slot (must be faulty or idle).",
			Flags:  []cli.Flag{slotFlag},
			Action: r.cmdRemove,
		},
		{
			Name:   "resync",
			Usage:  "Starts a resync pass over dirty regions.",
			Flags:  []cli.Flag{waitFlag},
			Action: r.cmdResync,
		},
		{
			Name:   "check",
			Usage:  "Starts a read-only scrub, counting mismatched sectors.",
			Flags:  []cli.Flag{waitFlag},
			Action: r.cmdCheck,
		},
		{
			Name:   "repair",
			Usage:  "Starts a scrub that rewrites mismatched copies.",
			Flags:  []cli.Flag{waitFlag},
			Action: r.cmdRepair,
		},
		{
			Name:   "recover",
			Usage:  "Starts rebuilding out-of-sync devices and replacements.",
			Flags:  []cli.Flag{waitFlag},
			Action: r.cmdRecover,
		},
		{
			Name:   "wait",
			Usage:  "Waits for the active background pass to finish.",
			Action: r.cmdWait,
		},
		{
			Name:  "reshape",
			Usage: "Starts an online reshape to a new geometry.",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "disks", Usage: "new device count (0 keeps current)"},
				cli.Int64Flag{Name: "chunk", Usage: "new chunk size in sectors (0 keeps current)"},
				cli.BoolFlag{Name: "backwards", Usage: "move data toward lower offsets"},
				cli.StringSliceFlag{Name: "new-dev", Usage: "device file for each added slot"},
				waitFlag,
			},
			Action: r.cmdReshape,
		},
		{
			Name:   "resize",
			Usage:  "Adopts a new per-device size.",
			Flags: []cli.Flag{
				cli.Int64Flag{Name: "sectors", Usage: "new per-device size in sectors"},
			},
			Action: r.cmdResize,
		},
		{
			Name:  "serve",
			Usage: "Serves the HTML status page and prometheus metrics.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "addr", Usage: "listen address", Value: "localhost:4420"},
			},
			Action: r.cmdServe,
		},
		{
			Name:   "shell",
			Usage:  "Starts a shell for interaction.",
			Action: r.cmdShell,
		},
	}
	r.app = app

	// By default 'HelpName' is the parent command name plus the command
	// name. Overwrite it to be the command name only.
	for i := range r.app.Commands {
		r.app.Commands[i].HelpName = r.app.Commands[i].Name
	}
	return r
}

func (r *raidCli) run(args []string) error {
	return r.app.Run(args)
}

// stop releases the host if one is open.
func (r *raidCli) stop() {
	if r.host != nil {
		r.host.Stop()
		r.host = nil
	}
}

// openDevs opens the member device files named by --dev. "missing" (or "-")
// leaves the slot empty.
func openDevs(paths []string, sectors int64, rotational bool) ([]blockdev.Dev, error) {
	devs := make([]blockdev.Dev, 0, len(paths))
	for _, p := range paths {
		if p == "missing" || p == "-" {
			devs = append(devs, nil)
			continue
		}
		d, err := blockdev.OpenFileDev(p, sectors, rotational)
		if err != nil {
			for _, open := range devs {
				if open != nil {
					open.Close()
				}
			}
			return nil, fmt.Errorf("open %q: %v", p, err)
		}
		devs = append(devs, d)
	}
	return devs, nil
}

// getHost returns the open host, assembling one from the global flags when
// needed.
func (r *raidCli) getHost(c *cli.Context) *md.Host {
	if r.host != nil {
		return r.host
	}
	store := c.GlobalString("store")
	if store == "" {
		log.Errorf("No store path provided. Use --store/-s.")
		os.Exit(1)
	}
	devs, err := openDevs(c.GlobalStringSlice("dev"), c.GlobalInt64("dev-sectors"), c.GlobalBool("rotational"))
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
	host, cerr := md.Assemble(store, raid10.DefaultConfig, devs, md.Solo{})
	if cerr != core.NoError {
		log.Errorf("Couldn't assemble array: %s", cerr)
		os.Exit(1)
	}
	r.host = host
	return host
}

// doIO submits one request and waits for its completion.
func doIO(arr *raid10.Array, b *raid10.Bio) core.Error {
	ch := make(chan core.Error, 1)
	b.Done = func(e core.Error) { ch <- e }
	arr.MakeRequest(context.Background(), b)
	return <-ch
}

// cmdCreate implements the "create" subcommand.
func (r *raidCli) cmdCreate(c *cli.Context) {
	store := c.GlobalString("store")
	if store == "" {
		log.Errorf("No store path provided. Use --store/-s.")
		return
	}
	paths := c.GlobalStringSlice("dev")
	if len(paths) == 0 {
		log.Errorf("No member devices provided. Use --dev/-d.")
		return
	}
	devs, err := openDevs(paths, c.GlobalInt64("dev-sectors"), c.GlobalBool("rotational"))
	if err != nil {
		log.Errorf("%v", err)
		return
	}
	layout := raid10.Layout{
		RaidDisks:    len(paths),
		NearCopies:   c.Int("near"),
		FarCopies:    c.Int("far"),
		FarOffset:    c.Bool("offset"),
		ChunkSectors: c.Int64("chunk"),
	}
	host, cerr := md.Create(store, layout, raid10.DefaultConfig, devs, md.Solo{})
	if cerr != core.NoError {
		log.Errorf("Couldn't create array: %s", cerr)
		return
	}
	log.Infof("Created array: %d sectors over %d devices", host.Array().Sectors(), len(paths))
	if r.inShell {
		r.host = host
	} else {
		host.Stop()
	}
}

// cmdAssemble implements the "assemble" subcommand.
func (r *raidCli) cmdAssemble(c *cli.Context) {
	host := r.getHost(c)
	st := host.Array().Status()
	log.Infof("Assembled: %d sectors, %d/%d devices %s", st.Sectors,
		st.RaidDisks-st.Degraded, st.RaidDisks, st.SyncString)
	if !r.inShell {
		r.stop()
	}
}

// cmdStop implements the "stop" subcommand.
func (r *raidCli) cmdStop(c *cli.Context) {
	if r.host == nil {
		log.Errorf("No array is assembled.")
		return
	}
	r.stop()
	log.Infof("Array stopped.")
}

// withHost runs fn against the assembled array, assembling and stopping
// around it in one-shot mode.
func (r *raidCli) withHost(c *cli.Context, fn func(h *md.Host)) {
	host := r.getHost(c)
	fn(host)
	if !r.inShell {
		r.stop()
	}
}

// cmdWrite implements the "write" subcommand.
func (r *raidCli) cmdWrite(c *cli.Context) {
	var data []byte
	if f := c.String("file"); f != "" {
		var err error
		if data, err = ioutil.ReadFile(f); err != nil {
			log.Errorf("Couldn't read input file: %v", err)
			return
		}
	} else {
		data = []byte(c.String("data"))
	}
	if len(data) == 0 {
		log.Errorf("Nothing to write; use --file or --data.")
		return
	}
	// Pad to a whole number of sectors.
	if pad := len(data) % core.SectorSize; pad != 0 {
		data = append(data, make([]byte, core.SectorSize-pad)...)
	}
	r.withHost(c, func(h *md.Host) {
		err := doIO(h.Array(), &raid10.Bio{
			Op:       raid10.OpWrite,
			Sector:   c.Int64("sector"),
			Data:     data,
			Atomic:   c.Bool("atomic"),
			Preflush: c.Bool("preflush"),
			Nowait:   c.Bool("nowait"),
		})
		if err != core.NoError {
			log.Errorf("Write failed: %s", err)
			return
		}
		log.Infof("Wrote %d sectors at %d", len(data)/core.SectorSize, c.Int64("sector"))
	})
}

// cmdRead implements the "read" subcommand.
func (r *raidCli) cmdRead(c *cli.Context) {
	nsectors := c.Int64("length")
	if nsectors <= 0 {
		log.Errorf("Length must be positive.")
		return
	}
	data := make([]byte, nsectors*core.SectorSize)
	r.withHost(c, func(h *md.Host) {
		err := doIO(h.Array(), &raid10.Bio{
			Op:     raid10.OpRead,
			Sector: c.Int64("sector"),
			Data:   data,
		})
		if err != core.NoError {
			log.Errorf("Read failed: %s", err)
			return
		}
		if f := c.String("file"); f != "" {
			if werr := ioutil.WriteFile(f, data, 0644); werr != nil {
				log.Errorf("Couldn't write output file: %v", werr)
			}
			return
		}
		// Without an output file, dump the first sector as hex.
		fmt.Println(hex.Dump(data[:core.SectorSize]))
	})
}

// cmdDiscard implements the "discard" subcommand.
func (r *raidCli) cmdDiscard(c *cli.Context) {
	r.withHost(c, func(h *md.Host) {
		err := doIO(h.Array(), &raid10.Bio{
			Op:       raid10.OpDiscard,
			Sector:   c.Int64("sector"),
			NSectors: c.Int64("length"),
		})
		if err != core.NoError {
			log.Errorf("Discard failed: %s", err)
			return
		}
		log.Infof("Discarded %d sectors at %d", c.Int64("length"), c.Int64("sector"))
	})
}

// cmdFlush implements the "flush" subcommand.
func (r *raidCli) cmdFlush(c *cli.Context) {
	r.withHost(c, func(h *md.Host) {
		if err := doIO(h.Array(), &raid10.Bio{Op: raid10.OpFlush}); err != core.NoError {
			log.Errorf("Flush failed: %s", err)
		}
	})
}

// cmdStatus implements the "status" subcommand.
func (r *raidCli) cmdStatus(c *cli.Context) {
	r.withHost(c, func(h *md.Host) {
		h.Array().WriteStatus(os.Stdout)
		st := h.Array().Status()
		for _, d := range st.Devs {
			printDevState(d)
		}
		if goal := h.Recovering(); goal != 0 {
			fmt.Printf("  background: %s\n", goal)
		}
		if st.MismatchCnt > 0 {
			fmt.Printf("  mismatches: %d\n", st.MismatchCnt)
		}
	})
}

func printDevState(d core.DevState) {
	if !d.Present {
		fmt.Printf("  slot: missing\n")
		return
	}
	state := "in_sync"
	if d.Faulty {
		state = "faulty"
	} else if !d.InSync {
		state = "recovering"
	}
	role := ""
	if d.Replacement {
		role = " (replacement)"
	}
	extra := ""
	if d.RecoveryOffset != core.MaxSector {
		extra = fmt.Sprintf(" recovered=%d", d.RecoveryOffset)
	}
	if d.BadBlocks > 0 {
		extra += fmt.Sprintf(" badblocks=%d", d.BadBlocks)
	}
	if d.CorrectedErrors > 0 {
		extra += fmt.Sprintf(" corrected=%d", d.CorrectedErrors)
	}
	fmt.Printf("  %s%s sectors=%d%s\n", state, role, d.Sectors, extra)
}

// cmdFail implements the "fail" subcommand.
func (r *raidCli) cmdFail(c *cli.Context) {
	r.withHost(c, func(h *md.Host) {
		if err := h.Array().FailDevice(c.Int("slot")); err != core.NoError {
			log.Errorf("Couldn't fail device %d: %s", c.Int("slot"), err)
			return
		}
		log.Infof("Device %d failed %s", c.Int("slot"), h.Array().Status().SyncString)
	})
}

// cmdAdd implements the "add" subcommand.
func (r *raidCli) cmdAdd(c *cli.Context) {
	path := c.String("file")
	if path == "" {
		log.Errorf("No device file provided. Use --file/-f.")
		return
	}
	r.withHost(c, func(h *md.Host) {
		dev, err := blockdev.OpenFileDev(path, c.GlobalInt64("dev-sectors"), c.GlobalBool("rotational"))
		if err != nil {
			log.Errorf("Couldn't open %q: %v", path, err)
			return
		}
		slot, cerr := h.Array().HotAddDisk(dev)
		if cerr != core.NoError {
			dev.Close()
			log.Errorf("Couldn't add device: %s", cerr)
			return
		}
		h.NeedUpdate()
		log.Infof("Device added in slot %d; run 'recover' to rebuild it", slot)
	})
}

// cmdRemove implements the "remove" subcommand.
func (r *raidCli) cmdRemove(c *cli.Context) {
	r.withHost(c, func(h *md.Host) {
		if err := h.Array().HotRemoveDisk(c.Int("slot")); err != core.NoError {
			log.Errorf("Couldn't remove device %d: %s", c.Int("slot"), err)
			return
		}
		h.NeedUpdate()
		log.Infof("Device %d removed", c.Int("slot"))
	})
}

func (r *raidCli) runGoal(c *cli.Context, goal md.RecoveryFlag) {
	r.withHost(c, func(h *md.Host) {
		if err := h.StartRecovery(goal); err != core.NoError {
			log.Errorf("Couldn't start %s: %s", goal, err)
			return
		}
		if c.Bool("wait") || !r.inShell {
			h.WaitRecovery()
		}
	})
}

// cmdResync implements the "resync" subcommand.
func (r *raidCli) cmdResync(c *cli.Context) { r.runGoal(c, md.SyncFlag) }

// cmdCheck implements the "check" subcommand.
func (r *raidCli) cmdCheck(c *cli.Context) { r.runGoal(c, md.CheckFlag) }

// cmdRepair implements the "repair" subcommand.
func (r *raidCli) cmdRepair(c *cli.Context) { r.runGoal(c, md.RepairFlag) }

// cmdRecover implements the "recover" subcommand.
func (r *raidCli) cmdRecover(c *cli.Context) { r.runGoal(c, md.RecoverFlag) }

// cmdWait implements the "wait" subcommand.
func (r *raidCli) cmdWait(c *cli.Context) {
	r.withHost(c, func(h *md.Host) {
		h.WaitRecovery()
	})
}

// cmdReshape implements the "reshape" subcommand.
func (r *raidCli) cmdReshape(c *cli.Context) {
	r.withHost(c, func(h *md.Host) {
		arr := h.Array()
		st := arr.Status()
		newLayout := raid10.Layout{
			RaidDisks:    st.RaidDisks,
			NearCopies:   st.NearCopies,
			FarCopies:    st.FarCopies,
			FarOffset:    st.FarOffset,
			ChunkSectors: st.ChunkSectors,
		}
		if n := c.Int("disks"); n > 0 {
			newLayout.RaidDisks = n
		}
		if n := c.Int64("chunk"); n > 0 {
			newLayout.ChunkSectors = n
		}
		if err := arr.CheckReshape(newLayout); err != core.NoError {
			log.Errorf("Reshape refused: %s", err)
			return
		}
		newDevs, derr := openDevs(c.StringSlice("new-dev"), c.GlobalInt64("dev-sectors"), c.GlobalBool("rotational"))
		if derr != nil {
			log.Errorf("%v", derr)
			return
		}
		offsetDiff := newLayout.ChunkSectors
		if st.ChunkSectors > offsetDiff {
			offsetDiff = st.ChunkSectors
		}
		backwards := c.Bool("backwards")
		if err := arr.StartReshape(newLayout, newDevs, offsetDiff, backwards, -1); err != core.NoError {
			log.Errorf("Couldn't start reshape: %s", err)
			return
		}
		if err := h.BeginReshape(newLayout, offsetDiff, backwards); err != core.NoError {
			log.Errorf("Couldn't record reshape: %s", err)
			return
		}
		if err := h.StartRecovery(md.ReshapeFlag); err != core.NoError {
			log.Errorf("Couldn't start reshape driver: %s", err)
			return
		}
		if c.Bool("wait") || !r.inShell {
			h.WaitRecovery()
			log.Infof("Reshape finished: %d sectors", arr.Sectors())
		}
	})
}

// cmdResize implements the "resize" subcommand.
func (r *raidCli) cmdResize(c *cli.Context) {
	r.withHost(c, func(h *md.Host) {
		if err := h.Array().Resize(c.Int64("sectors")); err != core.NoError {
			log.Errorf("Couldn't resize: %s", err)
			return
		}
		h.NeedUpdate()
		log.Infof("Resized: %d logical sectors", h.Array().Sectors())
	})
}

// cmdShell implements the "shell" subcommand.
func (r *raidCli) cmdShell(c *cli.Context) {
	r.inShell = true
	defer func() { r.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) (out []string) {
		for _, cmd := range r.app.Commands {
			if strings.HasPrefix(cmd.Name, prefix) {
				out = append(out, cmd.Name)
			}
		}
		return
	})
	defer line.Close()

	for {
		input, err := line.Prompt("(raid10) ")
		if err != nil {
			log.Errorf("error: %v", err)
			return
		}

		// shlex splits with shell-style quoting rules.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error: %v", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return
		}
		if r.runCommand(c, args...) == nil {
			line.AppendHistory(input)
		}
	}
}

// runCommand re-enters the app for a command issued from the shell.
func (r *raidCli) runCommand(c *cli.Context, args ...string) error {
	cliArgs := []string{"raidcli", "--store", c.GlobalString("store")}
	for _, d := range c.GlobalStringSlice("dev") {
		cliArgs = append(cliArgs, "--dev", d)
	}
	cliArgs = append(cliArgs, "--dev-sectors", fmt.Sprint(c.GlobalInt64("dev-sectors")))
	cliArgs = append(cliArgs, args...)
	return r.run(cliArgs)
}
