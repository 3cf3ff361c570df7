package graph

// Domain partitions the graph into independent namespaces. Each domain
// carries its own closed label and relation sets; writes outside the
// domain's sets are rejected.
type Domain string

const (
	DomainLife Domain = "life"
	DomainWork Domain = "work"
)

// Label is a node type from a domain's closed set.
type Label string

const (
	// Life domain labels.
	LabelPerson   Label = "Person"
	LabelEvent    Label = "Event"
	LabelEmotion  Label = "Emotion"
	LabelInterest Label = "Interest"
	LabelLocation Label = "Location"
	LabelMemory   Label = "Memory"
	LabelTopic    Label = "Topic"

	// Work domain labels.
	LabelProject   Label = "Project"
	LabelTask      Label = "Task"
	LabelDocument  Label = "Document"
	LabelMeeting   Label = "Meeting"
	LabelConcept   Label = "Concept"
	LabelMilestone Label = "Milestone"
	LabelIssue     Label = "Issue"

	// LabelEntity is shared by both domains.
	LabelEntity Label = "Entity"
)

// Relation is an edge type from a domain's closed set.
type Relation string

const (
	// Life domain relations.
	RelKnows        Relation = "KNOWS"
	RelExperienced  Relation = "EXPERIENCED"
	RelFeels        Relation = "FEELS"
	RelInterestedIn Relation = "INTERESTED_IN"
	RelLocatedIn    Relation = "LOCATED_IN"

	// Work domain relations.
	RelWorksOn    Relation = "WORKS_ON"
	RelAssignedTo Relation = "ASSIGNED_TO"
	RelReferences Relation = "REFERENCES"
	RelAttended   Relation = "ATTENDED"
	RelDependsOn  Relation = "DEPENDS_ON"
	RelBlocks     Relation = "BLOCKS"

	// Shared relations.
	RelMentions  Relation = "MENTIONS"
	RelRelatesTo Relation = "RELATES_TO"
)

var domainLabels = map[Domain]map[Label]bool{
	DomainLife: {
		LabelPerson: true, LabelEvent: true, LabelEmotion: true,
		LabelInterest: true, LabelLocation: true, LabelMemory: true,
		LabelTopic: true, LabelEntity: true,
	},
	DomainWork: {
		LabelProject: true, LabelTask: true, LabelDocument: true,
		LabelMeeting: true, LabelConcept: true, LabelMilestone: true,
		LabelIssue: true, LabelEntity: true,
	},
}

var domainRelations = map[Domain]map[Relation]bool{
	DomainLife: {
		RelKnows: true, RelExperienced: true, RelFeels: true,
		RelInterestedIn: true, RelLocatedIn: true,
		RelMentions: true, RelRelatesTo: true,
	},
	DomainWork: {
		RelWorksOn: true, RelAssignedTo: true, RelReferences: true,
		RelAttended: true, RelDependsOn: true, RelBlocks: true,
		RelMentions: true, RelRelatesTo: true,
	},
}

// AllowsLabel reports whether the label belongs to the domain's closed set.
func (d Domain) AllowsLabel(l Label) bool {
	return domainLabels[d][l]
}

// AllowsRelation reports whether the relation belongs to the domain's
// closed set.
func (d Domain) AllowsRelation(r Relation) bool {
	return domainRelations[d][r]
}

// DocumentLabel is the label documents are stored under in each domain.
func (d Domain) DocumentLabel() Label {
	if d == DomainWork {
		return LabelDocument
	}
	return LabelMemory
}
