package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"chengine.dev/engine/archiver"
	"chengine.dev/engine/model"
	"chengine.dev/engine/store"
)

// DataPrunerHandlers is the control surface for the Data Pruner/Archiver
// extension.
type DataPrunerHandlers struct {
	Pruner   *archiver.Pruner
	CfgStore *store.ConfigStore
}

// RegisterDataPruner wires the extension's five routes (status, config read
// and replace, _start, _stop) onto e.
func (h *DataPrunerHandlers) RegisterDataPruner(e *echo.Echo) {
	g := e.Group("/extensions/datapruner")
	g.GET("/status", h.getStatus)
	g.GET("/config", h.getConfig)
	g.PUT("/config", h.putConfig)
	g.POST("/_start", h.start)
	g.POST("/_stop", h.stop)
}

type statusResponse struct {
	Live          archiver.Status          `json:"live"`
	LastCompleted *store.PrunerStatusRecord `json:"lastCompleted,omitempty"`
}

func (h *DataPrunerHandlers) getStatus(c echo.Context) error {
	resp := statusResponse{Live: h.Pruner.LiveStatus()}
	if h.CfgStore != nil {
		last, err := h.CfgStore.LastPrunerStatus()
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		resp.LastCompleted = last
	}
	return c.JSON(http.StatusOK, resp)
}

// prunerConfigDTO is the wire shape for GET/PUT config, using plain status
// strings instead of model.Status so the JSON document is self-describing.
type prunerConfigDTO struct {
	Enabled              bool     `json:"enabled"`
	PollingIntervalHours int      `json:"pollingIntervalHours"`
	PruningBlockSize     int      `json:"pruningBlockSize"`
	ArchivingBlockSize   int      `json:"archivingBlockSize"`
	ArchiveEnabled       bool     `json:"archiveEnabled"`
	SkipStatuses         []string `json:"skipStatuses"`
	SkipIncomplete       bool     `json:"skipIncomplete"`
	MaxEventAgeDays      int      `json:"maxEventAgeDays"`
}

func toDTO(cfg archiver.Config) prunerConfigDTO {
	statuses := make([]string, len(cfg.SkipStatuses))
	for i, s := range cfg.SkipStatuses {
		statuses[i] = string(s)
	}
	return prunerConfigDTO{
		Enabled:              cfg.Enabled,
		PollingIntervalHours: cfg.PollingIntervalHours,
		PruningBlockSize:     cfg.PruningBlockSize,
		ArchivingBlockSize:   cfg.ArchivingBlockSize,
		ArchiveEnabled:       cfg.ArchiveEnabled,
		SkipStatuses:         statuses,
		SkipIncomplete:       cfg.SkipIncomplete,
		MaxEventAgeDays:      cfg.MaxEventAgeDays,
	}
}

func (d prunerConfigDTO) toConfig() archiver.Config {
	statuses := make([]model.Status, len(d.SkipStatuses))
	for i, s := range d.SkipStatuses {
		statuses[i] = model.Status(s)
	}
	return archiver.Config{
		Enabled:              d.Enabled,
		PollingIntervalHours: d.PollingIntervalHours,
		PruningBlockSize:     d.PruningBlockSize,
		ArchivingBlockSize:   d.ArchivingBlockSize,
		ArchiveEnabled:       d.ArchiveEnabled,
		SkipStatuses:         statuses,
		SkipIncomplete:       d.SkipIncomplete,
		MaxEventAgeDays:      d.MaxEventAgeDays,
	}
}

func (h *DataPrunerHandlers) getConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, toDTO(h.Pruner.Config()))
}

func (h *DataPrunerHandlers) putConfig(c echo.Context) error {
	var dto prunerConfigDTO
	if err := c.Bind(&dto); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cfg := dto.toConfig()
	h.Pruner.UpdateConfig(cfg)
	if h.CfgStore != nil {
		data, err := cfg.ToJSON()
		if err == nil {
			err = h.CfgStore.Put(archiver.ConfigCategory, archiver.ConfigKey, string(data))
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *DataPrunerHandlers) start(c echo.Context) error {
	if h.Pruner.IsRunning() {
		return echo.NewHTTPError(http.StatusConflict, "a pruning run is already in progress")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 24*time.Hour)
	go func() {
		defer cancel()
		h.Pruner.Run(ctx)
	}()
	return c.NoContent(http.StatusAccepted)
}

func (h *DataPrunerHandlers) stop(c echo.Context) error {
	if !h.Pruner.Abort() {
		return echo.NewHTTPError(http.StatusConflict, "no pruning run is in progress")
	}
	return c.NoContent(http.StatusAccepted)
}
