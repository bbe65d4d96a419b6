package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/storyforge/adosync/internal/ado"
	"github.com/storyforge/adosync/internal/config"
	"github.com/storyforge/adosync/internal/engine"
	"github.com/storyforge/adosync/internal/logging"
	"github.com/storyforge/adosync/internal/mapper"
	"github.com/storyforge/adosync/internal/store"
)

// runtime bundles the shared components every command needs: config, log
// destination, store, mapper, client, and the two engines. Built once per
// invocation and torn down with close.
type runtime struct {
	cfg      *config.Config
	logW     io.Writer
	closeLog func() error
	store    *store.Store
	mapper   *mapper.Mapper
	client   *ado.Client
	inbound  *engine.Inbound
	outbound *engine.Outbound
}

func newRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logW, closeLog, err := logging.Writer(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("open log destination: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.InitSchema(context.Background()); err != nil {
		st.Close()
		closeLog()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	mapCfg, err := config.LoadMapping(cfg.Mapping.Path, logging.Component(logW, "mapping"))
	if err != nil {
		st.Close()
		closeLog()
		return nil, err
	}
	m := mapper.New(mapCfg, logging.Component(logW, "mapper"))

	client := ado.NewClient(ado.Config{
		OrganizationURL:     cfg.ADO.OrganizationURL,
		Project:             cfg.ADO.Project,
		PersonalAccessToken: cfg.ADO.PersonalAccessToken,
		Timeout:             30 * time.Second,
		Logger:              logging.Component(logW, "ado"),
	})

	inbound := engine.NewInbound(client, st, m, engine.InboundConfig{
		PollInterval:  cfg.Sync.PollInterval,
		AreaPath:      cfg.ADO.AreaPath,
		IterationPath: cfg.ADO.IterationPath,
		Logger:        logging.Component(logW, "inbound"),
	})
	outbound := engine.NewOutbound(client, st, m, engine.OutboundConfig{
		WorkItemType: cfg.ADO.WorkItemType,
		Logger:       logging.Component(logW, "outbound"),
	})

	return &runtime{
		cfg:      cfg,
		logW:     logW,
		closeLog: closeLog,
		store:    st,
		mapper:   m,
		client:   client,
		inbound:  inbound,
		outbound: outbound,
	}, nil
}

func (rt *runtime) close() {
	rt.store.Close()
	rt.closeLog()
}
