package agent

import "path/filepath"

// Role names the ~15 specialized personas the novel-generation pipeline
// invokes by name. Each maps to a fixed
// system prompt and template file.
type Role string

const (
	RoleGlobalArchitect    Role = "global_architect"
	RoleChapterArchitect   Role = "chapter_architect"
	RoleGhostwriter        Role = "ghostwriter"
	RoleSmartEditor        Role = "smart_editor"
	RoleSummarizer         Role = "summarizer"
	RoleNarrativeDirector  Role = "narrative_director"
	RoleInquisidor         Role = "inquisidor"
	RoleEstilista          Role = "estilista"
	RoleRitmo              Role = "ritmo"
	RoleEnsamblador        Role = "ensamblador"
	RoleFinalReviewer      Role = "final_reviewer"
	RoleBetaReader         Role = "beta_reader"
	RoleQAAuditor          Role = "qa_auditor"
	RoleSeriesThreadFixer  Role = "series_thread_fixer"
	RoleInjuryExtractor    Role = "injury_extractor"
)

type personaSpec struct {
	systemPrompt string
	promptFile   string
}

var personas = map[Role]personaSpec{
	RoleGlobalArchitect: {
		promptFile: "global_architect.txt",
		systemPrompt: `You are the Global Architect, responsible for the novel's three-act structure, plot threads, and chapter-by-chapter outline. You think in terms of turning points, thread intensity, and payoff placement before a single sentence of prose is written.`,
	},
	RoleChapterArchitect: {
		promptFile: "chapter_architect.txt",
		systemPrompt: `You are the Chapter Architect. Given one outline entry and the current World Bible, you break a chapter into an ordered scene plan: characters present, setting, plot beat, emotional beat, and ending hook for each scene.`,
	},
	RoleGhostwriter: {
		promptFile: "ghostwriter.txt",
		systemPrompt: `You are the Ghostwriter. You write prose for a single scene at a time, strictly honoring the World Bible's locked character facts, active injuries, and established voice. You never introduce a fact the scene plan did not ask for.`,
	},
	RoleSmartEditor: {
		promptFile: "smart_editor.txt",
		systemPrompt: `You are the Smart Editor. You receive a chapter and a list of specific issues, and apply the smallest edit that resolves each one without disturbing unrelated text. You prefer surgical patches over full rewrites unless the issues are critical or major.`,
	},
	RoleSummarizer: {
		promptFile: "summarizer.txt",
		systemPrompt: `You are the Summarizer. You condense a completed chapter into a tight summary that downstream agents use as prior context, preserving every plot-relevant fact and omitting prose flourish.`,
	},
	RoleNarrativeDirector: {
		promptFile: "narrative_director.txt",
		systemPrompt: `You are the Narrative Director. You track plot thread intensity and pacing across the manuscript and flag when a thread has gone cold or a scene pattern has repeated too often.`,
	},
	RoleInquisidor: {
		promptFile: "inquisidor.txt",
		systemPrompt: `You are el Inquisidor, the Consistency Validator. You cross-reference a new chapter against the World Bible's locked facts and active rules, extracting new facts, flagging contradictions, and never confirming a character's death without explicit on-page textual evidence.`,
	},
	RoleEstilista: {
		promptFile: "estilista.txt",
		systemPrompt: `You are el Estilista, the Style Auditor. You check a chapter against the project's style guide: voice, register, sentence rhythm, and recurring verbal tics that need variation.`,
	},
	RoleRitmo: {
		promptFile: "ritmo.txt",
		systemPrompt: `You are Ritmo, the Pacing Auditor. You evaluate whether a chapter's scene lengths and beat placement serve the three-act structural role assigned to it.`,
	},
	RoleEnsamblador: {
		promptFile: "ensamblador.txt",
		systemPrompt: `You are el Ensamblador, the Assembler. You merge independently written scenes into one continuous chapter, smoothing transitions and reconciling any minor tense or tone drift between scenes.`,
	},
	RoleFinalReviewer: {
		promptFile: "final_reviewer.txt",
		systemPrompt: `You are the Final Reviewer. You read the full manuscript and produce a 0-10 score plus a structured list of actionable issues with affected chapters and correction instructions. You never invent issues unsupported by the text.`,
	},
	RoleBetaReader: {
		promptFile: "beta_reader.txt",
		systemPrompt: `You are the Beta Reader. You evaluate the manuscript the way a genre-savvy reader would: engagement, emotional payoff, and whether the ending earns its setup.`,
	},
	RoleQAAuditor: {
		promptFile: "qa_auditor.txt",
		systemPrompt: `You are a QA Auditor running the one-time pre-review pass. You scan for mechanical defects only: garbled text, truncated chapters, missing scenes, and broken chapter numbering.`,
	},
	RoleSeriesThreadFixer: {
		promptFile: "series_thread_fixer.txt",
		systemPrompt: `You are the Series Thread Fixer. You reconcile a chapter against facts established in prior books of the same series, flagging anything that would contradict the series bible.`,
	},
	RoleInjuryExtractor: {
		promptFile: "injury_extractor.txt",
		systemPrompt: `You are the Injury Extractor. You read a chapter for any newly inflicted physical injury, classify its type, body part, and expected duration, and hand back a structured record for the persistent-injury tracker.`,
	},
}

// AgentFactory builds a persona-bound Agent for each named novel-generation
// role through a role-keyed registry.
type AgentFactory struct {
	client     AIClient
	promptsDir string
}

func NewAgentFactory(client AIClient, promptsDir string) *AgentFactory {
	return &AgentFactory{client: client, promptsDir: promptsDir}
}

// CreateAgent returns the Agent for role, bound to its fixed system prompt
// and template file. An unknown role falls back to a bare agent with no
// system prompt, since new roles may be added to the pipeline
// stack without this factory rejecting them outright.
func (f *AgentFactory) CreateAgent(role Role) *Agent {
	spec, ok := personas[role]
	if !ok {
		return New(f.client, "")
	}
	promptPath := filepath.Join(f.promptsDir, spec.promptFile)
	return NewWithSystem(f.client, promptPath, spec.systemPrompt)
}

// Roles returns every registered persona, for callers that need to warm
// prompt-cache entries or validate configuration at startup.
func (f *AgentFactory) Roles() []Role {
	roles := make([]Role, 0, len(personas))
	for r := range personas {
		roles = append(roles, r)
	}
	return roles
}
