// Command exporter exposes metadata about evaluation sandbox containers
// so Grafana can join eval_id against the platform's own metrics. Runs as a
// sidecar with access to the executor host's Docker socket.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sandboxMeta = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evaluation_container_info",
			Help: "Metadata of evaluation sandbox containers",
		},
		[]string{"id", "name", "image", "eval_id", "priority_class", "state", "full_id"},
	)
	sandboxStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evaluation_containers",
			Help: "Evaluation sandbox containers by state",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(sandboxMeta)
	prometheus.MustRegister(sandboxStates)
}

func collectMetrics() {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Printf("Error creating Docker client: %v", err)
		return
	}
	defer cli.Close()

	// Only sandbox containers carry the app=evaluation label; everything
	// else on the host is none of our business.
	containers, err := cli.ContainerList(context.Background(), container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "app=evaluation")),
	})
	if err != nil {
		log.Printf("Error listing containers: %v", err)
		return
	}

	sandboxMeta.Reset()
	sandboxStates.Reset()

	for _, ctr := range containers {
		fullID := ctr.ID
		shortID := fullID
		if len(fullID) > 12 {
			shortID = fullID[:12]
		}

		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}

		evalID := ctr.Labels["eval_id"]
		class := ctr.Labels["priority-class"]
		if class == "" {
			class = "normal"
		}

		sandboxMeta.WithLabelValues(
			shortID,
			name,
			ctr.Image,
			evalID,
			class,
			ctr.State,
			fullID,
		).Set(1)
		sandboxStates.WithLabelValues(ctr.State).Inc()
	}
}

func main() {
	go func() {
		for {
			collectMetrics()
			time.Sleep(15 * time.Second)
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	fmt.Println("Starting sandbox container exporter on :8000")
	log.Fatal(http.ListenAndServe(":8000", nil))
}
