// Command xmirror is a single worker instance in a fleet that mirrors
// records at-least-once from a source cluster to a destination cluster,
// participating in an etcd-backed partition-membership protocol that
// assigns it a disjoint slice of source partitions.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/xmirror/xmirror/internal/config"
	"github.com/xmirror/xmirror/internal/membership"
	"github.com/xmirror/xmirror/internal/mirror"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "xmirror.yaml", "path to the worker's configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Error("load config")
		return 1
	}

	topicMap, err := mirror.LoadTopicMapping(cfg.TopicMappingFile)
	if err != nil {
		logrus.WithError(err).Error("load topic mapping")
		return 1
	}

	registry := prometheus.NewRegistry()
	metrics := mirror.NewMetrics(registry, cfg.MembershipInstanceID)
	serveMetrics(cfg.MetricsListenAddr, registry)

	barrier := mirror.NewBarrier(cfg.CommitInterval(), metrics)

	producer, err := mirror.NewProducer(mirror.ProducerConfig{
		Brokers:             cfg.DestinationBrokers,
		AbortOnSendFailure:  cfg.AbortOnSendFailure,
		AcksOverride:        cfg.ProducerAcksOverride,
		RetriesOverride:     cfg.ProducerRetriesOverride,
		MaxInFlightOverride: cfg.ProducerMaxInFlightOverride,
		RejectedOverrides:   cfg.ProducerRejectedOverrides,
	}, barrier, metrics)
	if err != nil {
		logrus.WithError(err).Error("construct producer")
		return 1
	}

	consumer, err := mirror.NewConsumer(mirror.ConsumerConfig{
		Brokers:     cfg.SourceBrokers,
		ClientID:    cfg.MembershipInstanceID,
		GroupID:     cfg.MembershipClusterName,
		PollTimeout: cfg.ConsumerTimeout(),
	})
	if err != nil {
		logrus.WithError(err).Error("construct consumer")
		return 1
	}

	pump := mirror.NewPump(consumer, producer, barrier, mirror.PassthroughTransformer{}, topicMap)

	etcd, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.MembershipEtcdEndpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		logrus.WithError(err).Error("connect to membership store")
		return 1
	}
	defer etcd.Close()

	member := membership.NewClient(etcd, cfg.MembershipClusterName, cfg.MembershipInstanceID, cfg.MembershipHost)
	lifecycle := mirror.NewLifecycle(pump, producer, consumer, barrier, member, 30000)
	lifecycle.MarkJoining()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := member.Register(ctx); err != nil {
		logrus.WithError(err).Error("register with membership service")
		return 1
	}

	firstAssignment := make(chan struct{})
	var once sync.Once
	handlers := membership.Handlers{
		OnBecomeOnlineFromOffline: func(topic string, partition int32) {
			consumer.Assign(topic, partition, -1)
			once.Do(func() { close(firstAssignment) })
		},
		OnBecomeOfflineFromOnline: func(topic string, partition int32) {
			consumer.Revoke(topic, partition)
		},
	}

	go func() {
		if err := member.Watch(ctx, handlers); err != nil {
			logrus.WithError(err).Error("membership watch exited")
		}
	}()

	go func() {
		<-member.Disconnected()
		lifecycle.OnMembershipDisconnect(context.Background())
	}()

	select {
	case <-firstAssignment:
	case <-time.After(30 * time.Second):
		logrus.Warn("no partition assignment received within 30s; starting pump with an empty assignment")
	}

	lifecycle.MarkRunning(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-lifecycle.UnexpectedPumpDeath():
		logrus.Error("pump exited unexpectedly; exiting non-zero so peers can rebalance")
		return 1
	case <-lifecycle.Stopped():
		// The clean-shutdown path ran to completion without us driving it,
		// e.g. OnMembershipDisconnect reacted to an eviction on its own
		// goroutine.
		logrus.Info("lifecycle stopped")
		return 0
	case sig := <-sigCh:
		logrus.WithField("signal", sig).Info("shutdown signal received")
		if err := lifecycle.Shutdown(context.Background()); err != nil {
			logrus.WithError(err).Error("clean shutdown failed")
			return 1
		}
		return 0
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("metrics server exited")
		}
	}()
}
