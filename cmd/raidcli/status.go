// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/codegangsta/cli"
	sigar "github.com/cloudfoundry/gosigar"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/raid10/internal/core"
	"github.com/westerndigitalcorporation/raid10/internal/md"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>raid10 status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding-left: 8px;
      padding-right: 8px;
      padding-top: 4px;
      padding-bottom: 4px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.status tr:hover {background-color: #DDD;}
  </style>
</head>

<body>

<h3>raid10 {{.Array.SyncString}}</h3>

<table>
  <tr>
    <td>Geometry:</td>
    <td>{{.Array.RaidDisks}} disks, near={{.Array.NearCopies}} far={{.Array.FarCopies}} offset={{.Array.FarOffset}} chunk={{.Array.ChunkSectors}} sectors</td>
  </tr>
  <tr>
    <td>Capacity:</td>
    <td>{{sectorToMB .Array.Sectors}} MB ({{.Array.Sectors}} sectors)</td>
  </tr>
  <tr>
    <td>Degraded:</td>
    <td>{{.Array.Degraded}}</td>
  </tr>
  <tr>
    <td>Background:</td>
    <td>{{.Goal}}{{if .Array.Reshaping}} (reshape at sector {{.Array.ReshapeProgress}}){{end}}</td>
  </tr>
  <tr>
    <td>Mismatched sectors:</td>
    <td>{{.Array.MismatchCnt}}</td>
  </tr>
  <tr>
    <td>Free memory:</td>
    <td>{{byteToMB .FreeMem}} / {{byteToMB .TotalMem}} mb</td>
  </tr>
  <tr>
    <td>Last reboot:</td>
    <td>{{.Reboot}}</td>
  </tr>
</table>

<br>
<table class="status">
  <caption>Devices</caption>
  <tr>
    <th>State</th>
    <th>Replacement</th>
    <th>Sectors</th>
    <th>Recovered To</th>
    <th>Bad Blocks</th>
    <th>Corrected Reads</th>
    <th>Pending I/O</th>
  </tr>
  {{range .Array.Devs}}
  <tr>
    <td>{{devState .}}</td>
    <td>{{.Replacement}}</td>
    <td>{{.Sectors}}</td>
    <td>{{recoveredTo .}}</td>
    <td>{{.BadBlocks}}</td>
    <td>{{.CorrectedErrors}}</td>
    <td>{{.Pending}}</td>
  </tr>
  {{end}}
</table>

<br>
Metrics: <a href="/metrics">/metrics</a>
<br>
status update time: {{.Now}}
</body>
</html>
`

// statusData is everything the status page renders.
type statusData struct {
	Array    core.ArrayStatus
	Goal     string
	FreeMem  uint64
	TotalMem uint64
	Reboot   time.Time
	Now      time.Time
}

func byteToMB(in uint64) uint64 {
	return in / 1024 / 1024
}

func sectorToMB(in int64) int64 {
	return in * core.SectorSize / 1024 / 1024
}

func devStateString(d core.DevState) string {
	switch {
	case !d.Present:
		return "missing"
	case d.Faulty:
		return "faulty"
	case !d.InSync:
		return "recovering"
	}
	return "in_sync"
}

func recoveredToString(d core.DevState) string {
	if d.RecoveryOffset == core.MaxSector {
		return "all"
	}
	return fmt.Sprint(d.RecoveryOffset)
}

var (
	reboot = time.Now()

	funcMap = template.FuncMap{
		"byteToMB":    byteToMB,
		"sectorToMB":  sectorToMB,
		"devState":    devStateString,
		"recoveredTo": recoveredToString,
	}

	statusTemplate = template.Must(template.New("status_html").Funcs(funcMap).Parse(statusTemplateStr))
)

func genStatus(h *md.Host) statusData {
	mem := sigar.Mem{}
	if err := mem.Get(); nil != err {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}
	goal := "idle"
	if g := h.Recovering(); g != 0 {
		goal = g.String()
	}
	return statusData{
		Array:    h.Array().Status(),
		Goal:     goal,
		FreeMem:  mem.ActualFree,
		TotalMem: mem.Total,
		Reboot:   reboot,
		Now:      time.Now(),
	}
}

// statusHandler serves json when asked for it, html otherwise.
func statusHandler(h *md.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		var b bytes.Buffer
		var err error
		contentType := "text/html"
		if r.Header.Get("Accept") == "application/json" {
			contentType = "application/json"
			err = json.NewEncoder(&b).Encode(genStatus(h))
		} else {
			err = statusTemplate.Execute(&b, genStatus(h))
		}
		if err != nil {
			e := fmt.Sprintf("failed to encode status data: %s", err)
			log.Errorf(e)
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(e))
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(b.Bytes())
	}
}

// cmdServe implements the "serve" subcommand.
func (r *raidCli) cmdServe(c *cli.Context) {
	host := r.getHost(c)
	defer func() {
		if !r.inShell {
			r.stop()
		}
	}()
	mux := http.NewServeMux()
	mux.HandleFunc("/", statusHandler(host))
	mux.Handle("/metrics", promhttp.Handler())
	addr := c.String("addr")
	log.Infof("raid10 status on http://%s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("http listener returned error: %v", err)
	}
}
