package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type TaskKind string

const (
	TaskKindDesignDoc   TaskKind = "design_doc"
	TaskKindAIDL        TaskKind = "aidl"
	TaskKindVHALService TaskKind = "vhal_service"
	TaskKindCarService  TaskKind = "car_service"
	TaskKindSEPolicy    TaskKind = "sepolicy"
	TaskKindAndroidApp  TaskKind = "android_app"
	TaskKindBackend     TaskKind = "backend"
	TaskKindBuildGlue   TaskKind = "build_glue"
)

// AllTaskKinds lists the kinds in pipeline order.
var AllTaskKinds = []TaskKind{
	TaskKindDesignDoc,
	TaskKindAIDL,
	TaskKindVHALService,
	TaskKindCarService,
	TaskKindSEPolicy,
	TaskKindAndroidApp,
	TaskKindBackend,
	TaskKindBuildGlue,
}

// KindRoles is the closed set of entity roles each kind may produce.
var KindRoles = map[TaskKind][]string{
	TaskKindDesignDoc:   {"doc"},
	TaskKindAIDL:        {"interface"},
	TaskKindVHALService: {"source", "config"},
	TaskKindCarService:  {"source"},
	TaskKindSEPolicy:    {"policy"},
	TaskKindAndroidApp:  {"manifest", "source"},
	TaskKindBackend:     {"spec"},
	TaskKindBuildGlue:   {"build"},
}

// RoleAllowed reports whether role is in the set for kind. Kinds without a
// set accept any non-empty role.
func RoleAllowed(kind TaskKind, role string) bool {
	roles, ok := KindRoles[kind]
	if !ok {
		return role != ""
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusDegraded  TaskStatus = "degraded"
	TaskStatusFailed    TaskStatus = "failed"
)

type ChunkStatus string

const (
	ChunkStatusPending   ChunkStatus = "pending"
	ChunkStatusRunning   ChunkStatus = "running"
	ChunkStatusSucceeded ChunkStatus = "succeeded"
	ChunkStatusTimedOut  ChunkStatus = "timed_out"
	ChunkStatusRejected  ChunkStatus = "rejected"
	ChunkStatusErrored   ChunkStatus = "errored"
	ChunkStatusFailed    ChunkStatus = "failed"
)

type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

type Provenance string

const (
	ProvenanceGenerated Provenance = "generated"
	ProvenanceFallback  Provenance = "fallback"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusAborted   RunStatus = "aborted"
)

type PropertyType string

const (
	PropertyTypeInt     PropertyType = "INT"
	PropertyTypeFloat   PropertyType = "FLOAT"
	PropertyTypeBoolean PropertyType = "BOOLEAN"
	PropertyTypeString  PropertyType = "STRING"
)

type Access string

const (
	AccessRead      Access = "READ"
	AccessReadWrite Access = "READ_WRITE"
)

// Prompt variants steer how much the generator is asked to produce per attempt.
const (
	PromptVariantMinimal      = "minimal"
	PromptVariantDetailed     = "detailed"
	PromptVariantConservative = "conservative"
	PromptVariantAggressive   = "aggressive"
)

type FileOperation string

const (
	FileOperationCreate FileOperation = "create"
	FileOperationWrite  FileOperation = "write"
)

// Property is one mapped signal. It is the unit the chunk planner counts.
type Property struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Path        string       `json:"path"`
	Type        PropertyType `json:"type"`
	Access      Access       `json:"access"`
	Domain      string       `json:"domain"`
	Unit        string       `json:"unit,omitempty"`
	Description string       `json:"description,omitempty"`
}

type Exclusion struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

type TaskSpec struct {
	ID        string          `json:"id"`
	Kind      TaskKind        `json:"kind"`
	Module    string          `json:"module,omitempty"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Units     []Property      `json:"units,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type Task struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	Kind       TaskKind        `json:"kind"`
	Module     string          `json:"module,omitempty"`
	Complexity int             `json:"complexity"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	Units      []Property      `json:"-"`
	Payload    json.RawMessage `json:"-"`
	Status     TaskStatus      `json:"status"`
	Wave       int             `json:"wave"`
	Provenance Provenance      `json:"provenance,omitempty"`
	Chunks     int             `json:"chunks"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

type Chunk struct {
	TaskID string      `json:"task_id"`
	Seq    int         `json:"seq"`
	Units  []Property  `json:"units"`
	Status ChunkStatus `json:"status"`
}

func (c Chunk) Complexity() int {
	return len(c.Units)
}

type Attempt struct {
	ID         string        `json:"id"`
	RunID      string        `json:"run_id"`
	TaskID     string        `json:"task_id"`
	ChunkSeq   int           `json:"chunk_seq"`
	Number     int           `json:"number"`
	Budget     time.Duration `json:"budget"`
	Outcome    Outcome       `json:"outcome"`
	Reason     string        `json:"reason,omitempty"`
	Variant    string        `json:"variant,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

type Entity struct {
	Name string `json:"name"`
	Role string `json:"role"`
	Body string `json:"body"`
}

type Content struct {
	Entities []Entity `json:"entities"`
}

// Bytes renders the entity bodies in order, separated by a blank line.
func (c Content) Bytes() []byte {
	parts := make([]string, 0, len(c.Entities))
	for _, e := range c.Entities {
		parts = append(parts, strings.TrimRight(e.Body, "\n"))
	}
	if len(parts) == 0 {
		return nil
	}
	return []byte(strings.Join(parts, "\n\n") + "\n")
}

func (c Content) Names() []string {
	names := make([]string, 0, len(c.Entities))
	for _, e := range c.Entities {
		names = append(names, e.Name)
	}
	return names
}

type GenerationResult struct {
	TaskID     string     `json:"task_id"`
	ChunkSeq   int        `json:"chunk_seq"`
	Content    Content    `json:"content"`
	Provenance Provenance `json:"provenance"`
}

// DependencyOutput summarizes a finished dependency for a dependent task's request.
type DependencyOutput struct {
	TaskID     string     `json:"task_id"`
	Kind       TaskKind   `json:"kind"`
	Provenance Provenance `json:"provenance"`
	Entities   []string   `json:"entities"`
	Excerpt    string     `json:"excerpt,omitempty"`
}

type GenerationRequest struct {
	RunID           string             `json:"run_id"`
	TaskID          string             `json:"task_id"`
	Kind            TaskKind           `json:"kind"`
	Module          string             `json:"module,omitempty"`
	ChunkSeq        int                `json:"chunk_seq"`
	ChunkCount      int                `json:"chunk_count"`
	Units           []Property         `json:"units"`
	Payload         json.RawMessage    `json:"payload,omitempty"`
	Dependencies    []DependencyOutput `json:"dependencies,omitempty"`
	Attempt         int                `json:"attempt"`
	PreviousOutcome Outcome            `json:"previous_outcome,omitempty"`
	PreviousReason  string             `json:"previous_reason,omitempty"`
	Variant         string             `json:"variant,omitempty"`
}

type Rename struct {
	TaskID   string `json:"task_id"`
	ChunkSeq int    `json:"chunk_seq"`
	From     string `json:"from"`
	To       string `json:"to"`
}

type Artifact struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	TaskID     string     `json:"task_id"`
	Kind       TaskKind   `json:"kind"`
	Module     string     `json:"module,omitempty"`
	Content    Content    `json:"content"`
	Provenance Provenance `json:"provenance"`
	Renames    []Rename   `json:"renames,omitempty"`
	Checksum   string     `json:"checksum"`
	URI        string     `json:"uri,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type QualityBand string

const (
	QualityExcellent QualityBand = "excellent"
	QualityGood      QualityBand = "good"
	QualityFair      QualityBand = "fair"
	QualityPoor      QualityBand = "poor"
)

type QualityReport struct {
	Group     string      `json:"group"`
	Generated int         `json:"generated"`
	Total     int         `json:"total"`
	Rate      float64     `json:"rate"`
	Band      QualityBand `json:"band"`
}

type TaskReport struct {
	ID         string        `json:"id"`
	Kind       TaskKind      `json:"kind"`
	Module     string        `json:"module,omitempty"`
	Wave       int           `json:"wave"`
	Status     TaskStatus    `json:"status"`
	Provenance Provenance    `json:"provenance,omitempty"`
	Chunks     int           `json:"chunks"`
	Attempts   int           `json:"attempts"`
	Renames    int           `json:"renames"`
	Quality    QualityReport `json:"quality"`
	Error      string        `json:"error,omitempty"`
}

type Run struct {
	ID         string     `json:"id"`
	Status     RunStatus  `json:"status"`
	Input      string     `json:"input,omitempty"`
	TaskCount  int        `json:"task_count"`
	LastError  string     `json:"last_error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type RunReport struct {
	RunID     string          `json:"run_id"`
	Status    RunStatus       `json:"status"`
	Waves     [][]string      `json:"waves"`
	Tasks     []TaskReport    `json:"tasks"`
	Completed []string        `json:"completed"`
	Missing   []string        `json:"missing"`
	Excluded  []Exclusion     `json:"excluded,omitempty"`
	Quality   []QualityReport `json:"quality"`
	Overall   QualityReport   `json:"overall"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	TaskID    string          `json:"task_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type FileChangeLog struct {
	ID        int64         `json:"id"`
	RunID     string        `json:"run_id"`
	TaskID    string        `json:"task_id"`
	Operation FileOperation `json:"operation"`
	Path      string        `json:"path"`
	Allowed   bool          `json:"allowed"`
	Reason    string        `json:"reason"`
	CreatedAt time.Time     `json:"created_at"`
}

// GenerationRecord is one row of the performance history.
type GenerationRecord struct {
	ID             int64         `json:"id"`
	RunID          string        `json:"run_id"`
	TaskID         string        `json:"task_id"`
	Kind           TaskKind      `json:"kind"`
	Module         string        `json:"module,omitempty"`
	PropertyCount  int           `json:"property_count"`
	ChunkSize      int           `json:"chunk_size"`
	Budget         time.Duration `json:"budget"`
	PromptVariant  string        `json:"prompt_variant,omitempty"`
	Success        bool          `json:"success"`
	QualityScore   float64       `json:"quality_score"`
	GenerationTime time.Duration `json:"generation_time"`
	ErrorType      string        `json:"error_type,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	Model          string        `json:"model,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventWaveStarted  EventType = "wave_started"
	EventAttempt      EventType = "attempt"
	EventTaskFinished EventType = "task_finished"
	EventWaveFinished EventType = "wave_finished"
	EventRunFinished  EventType = "run_finished"
)

type Event struct {
	Type      EventType       `json:"type"`
	RunID     string          `json:"run_id"`
	TaskID    string          `json:"task_id,omitempty"`
	Wave      int             `json:"wave"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type GroupStats struct {
	Group             string        `json:"group"`
	Total             int           `json:"total"`
	Successes         int           `json:"successes"`
	SuccessRate       float64       `json:"success_rate"`
	AvgGenerationTime time.Duration `json:"avg_generation_time"`
}

// GenerationStats summarizes the performance history.
type GenerationStats struct {
	Total             int           `json:"total"`
	Successes         int           `json:"successes"`
	SuccessRate       float64       `json:"success_rate"`
	AvgGenerationTime time.Duration `json:"avg_generation_time"`
	ByKind            []GroupStats  `json:"by_kind"`
	ByVariant         []GroupStats  `json:"by_variant"`
}

// LearningPoint is the success rate of one window of consecutive records.
type LearningPoint struct {
	Window      int       `json:"window"`
	Total       int       `json:"total"`
	SuccessRate float64   `json:"success_rate"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
}
