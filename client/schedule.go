package client

import (
	"context"
	"encoding/json"

	"github.com/RezaEskandarii/gofire/types"
	"github.com/google/uuid"
)

func cronTicker(function, expression string, request json.RawMessage) types.CronTicker {
	return types.CronTicker{Function: function, Expression: expression, Request: request}
}

// Schedule runs function on every firing of expression.
func (jm *JobManager) Schedule(ctx context.Context, function, expression string, request any) (uuid.UUID, error) {
	raw, err := encodeRequest(request)
	if err != nil {
		return uuid.Nil, err
	}
	added, err := jm.AddCronTicker(ctx, cronTicker(function, expression, raw))
	if err != nil {
		return uuid.Nil, err
	}
	return added.ID, nil
}

// ScheduleEveryMinute runs a job once every minute.
func (jm *JobManager) ScheduleEveryMinute(ctx context.Context, function string, request any) (uuid.UUID, error) {
	return jm.Schedule(ctx, function, "* * * * *", request)
}

// ScheduleEveryHour runs a job once every hour.
func (jm *JobManager) ScheduleEveryHour(ctx context.Context, function string, request any) (uuid.UUID, error) {
	return jm.Schedule(ctx, function, "0 * * * *", request)
}

// ScheduleEveryDay runs a job once every day.
func (jm *JobManager) ScheduleEveryDay(ctx context.Context, function string, request any) (uuid.UUID, error) {
	return jm.Schedule(ctx, function, "0 0 * * *", request)
}

// ScheduleEveryWeek runs a job once a week.
func (jm *JobManager) ScheduleEveryWeek(ctx context.Context, function string, request any) (uuid.UUID, error) {
	return jm.Schedule(ctx, function, "0 0 * * 0", request)
}

// ScheduleEveryMonth runs a job once a month.
func (jm *JobManager) ScheduleEveryMonth(ctx context.Context, function string, request any) (uuid.UUID, error) {
	return jm.Schedule(ctx, function, "0 0 1 * *", request)
}

// ScheduleEveryYear runs a job once a year.
func (jm *JobManager) ScheduleEveryYear(ctx context.Context, function string, request any) (uuid.UUID, error) {
	return jm.Schedule(ctx, function, "0 0 1 1 *", request)
}
