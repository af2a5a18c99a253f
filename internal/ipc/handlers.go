package ipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/omscore/oms/internal/conflict"
	"github.com/omscore/oms/internal/registry"
	"github.com/omscore/oms/internal/supervisor"
	"github.com/omscore/oms/internal/taskstore"
)

// HandlerFunc answers one verb from the shared Deps and the decoded
// request; caller identity (actor, agentId) travels in request fields.
type HandlerFunc func(ctx context.Context, d *Deps, req Request) Response

// handlers is the verb dispatch table. Role-specific variants are thin
// wrappers that pin an action/role before delegating to the shared
// implementation, per §4.4's table.
var handlers = map[string]HandlerFunc{
	"start_tasks":                 handleStartTasks,
	"tasks_request":               handleTasksRequest,
	"advance_lifecycle":           handleAdvanceLifecycle,
	"replace_agent":               handleReplaceAgent,
	"interrupt_agent":             handleInterruptAgent,
	"steer_agent":                 handleSteerAgent,
	"complain":                    handleComplain,
	"revoke_complaint":            handleRevokeComplaint,
	"wait_for_agent":              handleWaitForAgent,
	"stop_agents_for_task":        handleStopAgentsForTask,
	"list_active_agents":          handleListActiveAgents,
	"list_task_agents":            handleListTaskAgents,
	"read_message_history":        handleReadMessageHistory,
	"broadcast":                   handleBroadcast,
	"fast_worker_close_task":      handleFastWorkerCloseTask,
	"fast_worker_advance_lifecycle": handleFastWorkerAdvanceLifecycle,
	"merger_complete":             handleMergerComplete,
	"merger_conflict":             handleMergerConflict,
	"finisher_close_task":         handleFinisherCloseTask,
	"issuer_advance_lifecycle":    handleIssuerAdvanceLifecycle,
}

func handleStartTasks(ctx context.Context, d *Deps, req Request) Response {
	count := req.Int("count")
	if count <= 0 {
		count = 1
	}
	tasks, err := d.Scheduler.GetNextTasks(ctx, count)
	if err != nil {
		return Fail(err)
	}

	var spawned, spawnedTaskIDs []string
	for _, task := range tasks {
		ok, err := d.Scheduler.TryClaim(ctx, task.ID)
		if err != nil {
			d.Log.Warn("start_tasks: claim failed", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		agentID, err := d.Lifecycle.ReplaceAgent(ctx, registry.KindIssuer, task.ID, supervisor.KickoffContext{})
		if err != nil {
			d.Log.Warn("start_tasks: spawn failed", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		spawned = append(spawned, agentID)
		spawnedTaskIDs = append(spawnedTaskIDs, task.ID)
	}

	if spawnedTaskIDs == nil {
		spawnedTaskIDs = []string{}
	}
	return Ok(map[string]interface{}{
		"spawned": len(spawned),
		"taskIds": spawnedTaskIDs,
	})
}

func taskIDsOf(tasks []*taskstore.Issue) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

// tasksAction carries the decoded {action, params, actor, defaultTaskId}
// body for a tasks_request.
type tasksAction struct {
	action        string
	params        Request
	actor         string
	role          string
	defaultTaskID string
}

func decodeTasksAction(req Request) tasksAction {
	return tasksAction{
		action:        req.Str("action"),
		params:        req.Map("params"),
		actor:         req.Str("actor"),
		role:          req.Str("role"),
		defaultTaskID: req.Str("defaultTaskId"),
	}
}

func handleTasksRequest(ctx context.Context, d *Deps, req Request) Response {
	ta := decodeTasksAction(req)
	if ta.params == nil {
		ta.params = Request{}
	}

	if ta.role != "" && !d.Tools.AllowsAction(ta.role, ta.action) {
		return FailMsg(fmt.Sprintf("action %q not permitted for role %q", ta.action, ta.role))
	}

	switch ta.action {
	case "show":
		return handleTasksShow(ctx, d, ta)
	case "list":
		return handleTasksList(ctx, d, ta)
	case "search":
		return handleTasksSearch(ctx, d, ta)
	case "ready":
		return handleTasksReady(ctx, d, ta)
	case "comments":
		return handleTasksComments(ctx, d, ta)
	case "comment_add":
		return handleTasksCommentAdd(ctx, d, ta)
	case "query":
		return handleTasksQuery(ctx, d, ta)
	case "dep_tree":
		return handleTasksDepTree(ctx, d, ta)
	case "types":
		return handleTasksTypes(ctx, d, ta)
	case "create":
		return handleTasksCreate(ctx, d, ta)
	case "update":
		return handleTasksUpdate(ctx, d, ta)
	case "close":
		return handleTasksClose(ctx, d, ta)
	case "delete":
		return handleTasksDelete(ctx, d, ta)
	default:
		return FailMsg("unknown action: " + ta.action)
	}
}

func resolveID(ta tasksAction) string {
	if id := ta.params.Str("id"); id != "" {
		return id
	}
	return ta.defaultTaskID
}

func handleTasksShow(ctx context.Context, d *Deps, ta tasksAction) Response {
	issue, err := d.Store.Show(ctx, resolveID(ta))
	if err != nil {
		return Fail(err)
	}
	return Ok(issue)
}

func handleTasksList(ctx context.Context, d *Deps, ta tasksAction) Response {
	flags := taskstore.ListFlags{
		All:    ta.params.Bool("all"),
		Status: ta.params.Str("status"),
		Type:   ta.params.Str("type"),
		Limit:  ta.params.Int("limit"),
	}
	issues, err := d.Store.List(ctx, flags)
	if err != nil {
		return Fail(err)
	}
	return Ok(issues)
}

func handleTasksSearch(ctx context.Context, d *Deps, ta tasksAction) Response {
	opts := taskstore.SearchOptions{
		Status:          ta.params.Str("status"),
		Limit:           ta.params.Int("limit"),
		IncludeComments: ta.params.Bool("includeComments"),
	}
	issues, err := d.Store.Search(ctx, ta.params.Str("query"), opts)
	if err != nil {
		return Fail(err)
	}
	return Ok(issues)
}

func handleTasksReady(ctx context.Context, d *Deps, ta tasksAction) Response {
	issues, err := d.Store.Ready(ctx)
	if err != nil {
		return Fail(err)
	}
	return Ok(issues)
}

func handleTasksComments(ctx context.Context, d *Deps, ta tasksAction) Response {
	issue, err := d.Store.Show(ctx, resolveID(ta))
	if err != nil {
		return Fail(err)
	}
	return Ok(issue.Comments)
}

func handleTasksCommentAdd(ctx context.Context, d *Deps, ta tasksAction) Response {
	id := resolveID(ta)
	text := ta.params.Str("text")

	if agentID := ta.params.Str("agentId"); agentID != "" && d.Registry.Get(agentID) != nil {
		if v, err := d.VerifierFor(ctx, agentID, ta.params.Str("workDir")); err == nil {
			if result := v.CheckComment(ctx, text); !result.Admitted {
				return FailMsg(result.Reason)
			}
		}
	}

	comment, err := d.Store.Comment(ctx, id, ta.actor, text)
	if err != nil {
		return Fail(err)
	}
	return Ok(comment)
}

func handleTasksQuery(ctx context.Context, d *Deps, ta tasksAction) Response {
	issues, err := d.Store.Query(ctx, ta.params.Str("expr"))
	if err != nil {
		return Fail(err)
	}
	return Ok(issues)
}

func handleTasksDepTree(ctx context.Context, d *Deps, ta tasksAction) Response {
	opts := taskstore.DepTreeOptions{
		Direction: taskstore.DepDirection(ta.params.Str("direction")),
		MaxDepth:  ta.params.Int("maxDepth"),
		Status:    ta.params.Str("status"),
	}
	node, err := d.Store.DepTree(ctx, resolveID(ta), opts)
	if err != nil {
		return Fail(err)
	}
	return Ok(node)
}

func handleTasksTypes(ctx context.Context, d *Deps, ta tasksAction) Response {
	return Ok([]string{
		string(taskstore.TypeTask), string(taskstore.TypeBug), string(taskstore.TypeFeature),
		string(taskstore.TypeEpic), string(taskstore.TypeGroup), string(taskstore.TypeNoop),
		string(taskstore.TypeChore), string(taskstore.TypeAgent), string(taskstore.TypeRole),
		string(taskstore.TypeRig), string(taskstore.TypeConvoy), string(taskstore.TypeEvent),
		string(taskstore.TypeSlot), string(taskstore.TypeMergeRequest), string(taskstore.TypeMolecule),
		string(taskstore.TypeGate),
	})
}

func handleTasksCreate(ctx context.Context, d *Deps, ta tasksAction) Response {
	opts := taskstore.CreateOptions{
		Type:               taskstore.IssueType(ta.params.Str("type")),
		Priority:           ta.params.Int("priority"),
		Labels:             ta.params.StrSlice("labels"),
		Assignee:           ta.params.Str("assignee"),
		Scope:              taskstore.Scope(ta.params.Str("scope")),
		AcceptanceCriteria: ta.params.Str("acceptanceCriteria"),
		DependsOn:          ta.params.StrSlice("dependsOn"),
		References:         ta.params.StrSlice("references"),
	}
	issue, err := d.Store.Create(ctx, ta.params.Str("title"), ta.params.Str("description"), opts)
	if err != nil {
		return Fail(err)
	}
	return Ok(issue)
}

func handleTasksUpdate(ctx context.Context, d *Deps, ta tasksAction) Response {
	patch := taskstore.UpdatePatch{Actor: ta.actor}
	if v, ok := ta.params["status"].(string); ok {
		patch.Status = &v
	}
	if _, ok := ta.params["priority"]; ok {
		p := ta.params.Int("priority")
		patch.Priority = &p
	}
	if v, ok := ta.params["assignee"].(string); ok {
		patch.Assignee = &v
	}
	if v, ok := ta.params["title"].(string); ok {
		patch.Title = &v
	}
	if v, ok := ta.params["description"].(string); ok {
		patch.Description = &v
	}
	if _, ok := ta.params["labels"]; ok {
		patch.Labels = ta.params.StrSlice("labels")
		patch.LabelsSet = true
	}
	patch.Claim = ta.params.Bool("claim")

	issue, err := d.Store.Update(ctx, resolveID(ta), patch)
	if err != nil {
		return Fail(err)
	}
	return Ok(issue)
}

func handleTasksClose(ctx context.Context, d *Deps, ta tasksAction) Response {
	issue, err := d.Store.Close(ctx, resolveID(ta), ta.params.Str("reason"))
	if err != nil {
		return Fail(err)
	}
	return Ok(issue)
}

// handleTasksDelete implements literal scenario E: it deletes the issue
// through the store and, only if that fails, falls back to a tombstoning
// close.
func handleTasksDelete(ctx context.Context, d *Deps, ta tasksAction) Response {
	id := resolveID(ta)
	if err := d.Store.Delete(ctx, id); err == nil {
		return OkSummary("deleted " + id)
	}
	issue, err := d.Store.Close(ctx, id, "tombstone: cancelled by user via delete_task_issue")
	if err != nil {
		return Fail(err)
	}
	return Ok(issue)
}

func handleAdvanceLifecycle(ctx context.Context, d *Deps, req Request) Response {
	taskID := req.Str("taskId")
	role := registry.Kind(req.Str("role"))
	stage, err := d.Lifecycle.AdvanceLifecycle(ctx, taskID, role, req.Str("action"), req.Str("target"), req.Str("actor"))
	if err != nil {
		return Fail(err)
	}
	return Ok(map[string]interface{}{"stage": stage})
}

func handleReplaceAgent(ctx context.Context, d *Deps, req Request) Response {
	taskID := req.Str("taskId")
	role := registry.Kind(req.Str("role"))
	kickoff := supervisor.KickoffContext{Message: req.Str("message")}
	if role == registry.KindWorker {
		if queued := d.PopPendingKickoff(taskID); queued != "" {
			if kickoff.Message != "" {
				queued += "\n\n" + kickoff.Message
			}
			kickoff.Message = queued
		}
	}
	if extra := req.Map("context"); extra != nil {
		kickoff.Extra = map[string]interface{}(extra)
	}
	agentID, err := d.Lifecycle.ReplaceAgent(ctx, role, taskID, kickoff)
	if err != nil {
		return Fail(err)
	}
	return Ok(map[string]interface{}{"agentId": agentID})
}

func handleInterruptAgent(ctx context.Context, d *Deps, req Request) Response {
	taskID := req.Str("taskId")
	if msg := req.Str("message"); msg != "" {
		d.SetPendingKickoff(taskID, msg)
	}
	if _, err := d.Lifecycle.StopAgentsForTask(ctx, taskID, true, false); err != nil {
		return Fail(err)
	}
	return Ok(nil)
}

func handleSteerAgent(ctx context.Context, d *Deps, req Request) Response {
	agentID := req.Str("agentId")
	entry := d.Registry.Get(agentID)
	if entry == nil {
		return FailMsg("unknown agent: " + agentID)
	}
	d.Registry.PushEvent(agentID, registry.Event{
		Type: "steer",
		Data: map[string]interface{}{"message": req.Str("message")},
	})
	return Ok(nil)
}

func handleComplain(ctx context.Context, d *Deps, req Request) Response {
	ctx, cancel := context.WithTimeout(ctx, d.complainBound())
	defer cancel()

	result, err := d.Conflict.Complain(ctx, conflict.ComplainRequest{
		Files:              req.StrSlice("files"),
		Reason:             req.Str("reason"),
		ComplainantAgentID: req.Str("complainantAgentId"),
		ComplainantTaskID:  req.Str("complainantTaskId"),
	})
	if err != nil {
		return Fail(err)
	}
	resp := Ok(map[string]interface{}{"verdict": result.Verdict})
	if result.TimedOut {
		resp.Summary = "complain timed out awaiting resolver verdict"
	}
	return resp
}

func handleRevokeComplaint(ctx context.Context, d *Deps, req Request) Response {
	n, err := d.Conflict.RevokeComplaint(req.Str("agentId"), req.StrSlice("files"))
	if err != nil {
		return Fail(err)
	}
	return Ok(map[string]interface{}{"released": n})
}

func handleWaitForAgent(ctx context.Context, d *Deps, req Request) Response {
	agentID := req.Str("agentId")
	entry := d.Registry.Get(agentID)
	if entry == nil || registry.IsTerminal(entry.Status) {
		return Ok(map[string]interface{}{"active": false})
	}

	ctx, cancel := context.WithTimeout(ctx, d.waitForAgentBound())
	defer cancel()

	if _, err := d.Supervisor.OnExit(ctx, agentID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{OK: true, Summary: "wait_for_agent timed out; agent may still be active", Data: map[string]interface{}{"active": true}}
		}
		return Fail(err)
	}
	return Ok(map[string]interface{}{"active": false})
}

func handleStopAgentsForTask(ctx context.Context, d *Deps, req Request) Response {
	taskID := req.Str("taskId")
	includeFinisher := req.Bool("includeFinisher")
	waitForCompletion := req.Bool("waitForCompletion")

	n, err := d.Lifecycle.StopAgentsForTask(ctx, taskID, includeFinisher, waitForCompletion)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{OK: true, Summary: "stop_agents_for_task timed out awaiting completion", Data: map[string]interface{}{"stopped": n}}
		}
		return Fail(err)
	}
	return Ok(map[string]interface{}{"stopped": n})
}

func handleListActiveAgents(ctx context.Context, d *Deps, req Request) Response {
	return Ok(summarizeEntries(d.Registry.GetActive()))
}

func handleListTaskAgents(ctx context.Context, d *Deps, req Request) Response {
	return Ok(summarizeEntries(d.Registry.GetByTask(req.Str("taskId"))))
}

type agentSummary struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	TaskID       string    `json:"taskId"`
	LastActivity time.Time `json:"lastActivity"`
}

func summarizeEntries(entries []*registry.Entry) []agentSummary {
	out := make([]agentSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, agentSummary{
			ID:           e.ID,
			Kind:         string(e.Kind),
			Status:       e.Status,
			TaskID:       e.TaskID,
			LastActivity: e.LastActivity,
		})
	}
	return out
}

func handleReadMessageHistory(ctx context.Context, d *Deps, req Request) Response {
	limit := req.Int("limit")
	messages, err := d.Registry.ReadMessageHistory(req.Str("agentId"), limit)
	if err != nil {
		return Fail(err)
	}
	return Ok(map[string]interface{}{
		"messages":  messages,
		"toolCalls": summarizeToolCalls(messages),
	})
}

func summarizeToolCalls(messages []registry.Message) []registry.ToolCall {
	var out []registry.ToolCall
	for _, m := range messages {
		out = append(out, m.ToolCalls...)
	}
	return out
}

func handleBroadcast(ctx context.Context, d *Deps, req Request) Response {
	targetKind := registry.Kind(req.Str("role"))
	urgency := req.Str("urgency")
	if urgency == "" {
		urgency = "normal"
	}
	message := req.Str("message")

	var notified int
	for _, entry := range d.Registry.GetActive() {
		if targetKind != "" && entry.Kind != targetKind {
			continue
		}
		d.Registry.PushEvent(entry.ID, registry.Event{
			Type: "broadcast",
			Data: map[string]interface{}{"message": message, "urgency": urgency},
		})
		notified++
	}
	return Ok(map[string]interface{}{"notified": notified})
}

// --- role-specific variants: thin wrappers pinning a role/action. ---

func handleFastWorkerCloseTask(ctx context.Context, d *Deps, req Request) Response {
	return handleAdvanceLifecycle(ctx, d, withRole(req, registry.KindFastWorker, "done"))
}

func handleFastWorkerAdvanceLifecycle(ctx context.Context, d *Deps, req Request) Response {
	return handleAdvanceLifecycle(ctx, d, withRole(req, registry.KindFastWorker, req.Str("action")))
}

func handleMergerComplete(ctx context.Context, d *Deps, req Request) Response {
	return handleAdvanceLifecycle(ctx, d, withRole(req, registry.KindResolver, "done"))
}

func handleMergerConflict(ctx context.Context, d *Deps, req Request) Response {
	if file := req.Str("file"); file != "" {
		verdict := conflict.Verdict(req.Str("verdict"))
		if verdict == "" {
			verdict = conflict.VerdictEscalate
		}
		if err := d.Conflict.Resolve(file, verdict); err != nil {
			return Fail(err)
		}
	}
	return Ok(nil)
}

func handleFinisherCloseTask(ctx context.Context, d *Deps, req Request) Response {
	return handleAdvanceLifecycle(ctx, d, withRole(req, registry.KindFinisher, "close"))
}

func handleIssuerAdvanceLifecycle(ctx context.Context, d *Deps, req Request) Response {
	return handleAdvanceLifecycle(ctx, d, withRole(req, registry.KindIssuer, req.Str("action")))
}

func withRole(req Request, role registry.Kind, action string) Request {
	out := Request{}
	for k, v := range req {
		out[k] = v
	}
	out["role"] = string(role)
	out["action"] = action
	return out
}
