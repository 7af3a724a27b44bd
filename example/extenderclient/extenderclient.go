package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/galaxy-iot/extender/av"
	"github.com/galaxy-iot/extender/config"
	"github.com/galaxy-iot/extender/pipeline"
	"github.com/galaxy-iot/extender/rtsp"
	"github.com/sirupsen/logrus"
	"github.com/wh8199/log"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	logrus.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := make(chan error, 1)
	report := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	pipelineConfig := cfg.PipelineConfig()
	pipelineConfig.OnError = report
	muxer := pipeline.New(pipelineConfig)

	clientConfig := cfg.ClientConfig()
	clientConfig.OnPlaying = func(video, audio *av.MediaDescriptor) error {
		log.Println("starting pipeline for", video, audio)
		return muxer.Start(video, audio)
	}
	clientConfig.OnUnit = func(unit av.Unit) {
		if err := muxer.Submit(unit); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
			report(err)
		}
	}
	clientConfig.OnEvent = func(req *rtsp.Request) {
		log.Info("server sent " + req.Method)
	}

	c, err := rtsp.Dial(clientConfig)
	if err != nil {
		log.Fatal(err)
	}

	if err := c.Connect(ctx); err != nil {
		muxer.Stop()
		log.Fatal(err)
	}
	log.Info("playing " + cfg.URL)

	select {
	case <-ctx.Done():
		log.Info("interrupted, stopping")
	case err := <-failed:
		log.Error(err)
	case <-c.Done():
		if err := c.Err(); err != nil {
			log.Error(err)
		}
	}

	c.Stop()
	muxer.Stop()
	log.Println("stopped")
}
