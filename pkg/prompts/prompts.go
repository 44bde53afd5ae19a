// Package prompts holds the agent prompt texts and the builder that lays
// them out around scene context.
package prompts

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// StorytellerSystem opens every creative prompt.
const StorytellerSystem = `You are a collaborative storyteller. You write vivid, grounded fiction and never break the fourth wall. You never speak or act for the player character.`

// AnalystSystem opens prompts that ask for facts about the story.
const AnalystSystem = `You are an attentive reader analysing an ongoing story. Answer only from what the story establishes. Be brief and factual.`

// ConversationInstruction asks for the next line of a character.
const ConversationInstruction = `Write the next line of dialogue for %[1]s. Stay in character. Start with "%[1]s:" and write only %[1]s's words and actions, no more than two short paragraphs.`

// ConversationDirection is appended when the line has to follow a choice.
const ConversationDirection = `%s must follow this direction: %s`

// NarratorInstructions is the task text of each narrator action.
var NarratorInstructions = map[string]string{
	"progress_story":          "Narrate what happens next. Move the story forward without speaking for any character.",
	"narrate_scene":           "Describe the current scene: the surroundings, the mood and what is visible.",
	"narrate_query":           "Answer the following question about the story from the narrator's perspective: %s",
	"narrate_character":       "Describe %s as the other characters currently perceive them.",
	"narrate_character_entry": "Narrate %s entering the scene.",
	"narrate_character_exit":  "Narrate %s leaving the scene.",
	"narrate_time_passage":    "Narrate the passage of %s.",
	"paraphrase":              "Rewrite the following text in the narrator's voice:\n%s",
	"narrate_after_dialogue":  "Narrate what happens right after the last thing %s said.",
}

// NarrativeDirection is appended when the caller steers the narration.
const NarrativeDirection = `Follow this direction: %s`

// DirectorInstruction asks for guidance for one character.
const DirectorInstruction = `You are the story director. In one or two sentences, tell %s what they should do or feel next so the story stays interesting and consistent.`

// DirectorSceneInstruction asks for guidance for the scene as a whole.
const DirectorSceneInstruction = `You are the story director. In one or two sentences, say what should happen next in the scene.`

// ReinforcementInstruction asks the world state question.
const ReinforcementInstruction = `Answer this question about the current state of the story: %s`

// ReinforcementCharacter narrows the question to a character.
const ReinforcementCharacter = `The question is about %s. Answer from what is known about them right now.`

// ConditionInstruction asks for a yes or no verdict.
const ConditionInstruction = `Is the following statement currently true in the story? Answer only "yes" or "no".
Statement: %s`

// SummarizeInstruction compresses a span of dialogue.
const SummarizeInstruction = `Summarize the following part of the story in a single paragraph. Keep names, decisions and facts that later events may depend on.

%s`

// ContextualGenerateInstruction produces a piece of content for the scene.
const ContextualGenerateInstruction = `Generate the %s for this story. %s
Keep it under %d words.`

// AttributeInstruction asks for character attribute updates through
// function calls.
const AttributeInstruction = `Review the recent story and update the attributes of %s that have changed. Call set_character_attribute once per change.`

// EditorInstruction asks the editor to clean up a line.
const EditorInstruction = `Fix the grammar and formatting of the following text. Keep meaning, names and tone. Put spoken words in double quotes and actions in asterisks. Return only the fixed text.

%s`

// FixDataPrompt asks the model to repair a structured block it produced.
const FixDataPrompt = `The following %[1]s could not be parsed: %[2]s

Return the same data as valid %[1]s in a single fenced %[1]s code block and nothing else.

%[3]s`

// Narrator returns the task text for a narrator action.
func Narrator(action string, args ...any) (string, error) {
	tmpl, ok := NarratorInstructions[action]
	if !ok {
		return "", fmt.Errorf("no prompt for narrator action %q", action)
	}
	if n := strings.Count(tmpl, "%s"); n > len(args) {
		return "", fmt.Errorf("narrator action %q needs %d arguments", action, n)
	}
	return fmt.Sprintf(tmpl, args[:strings.Count(tmpl, "%s")]...), nil
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
