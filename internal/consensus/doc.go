// Package consensus implements the two-phase coordinator
// consensus protocol: a ClusterRecord accumulates signed promises from
// a cohort of peers, then signed commits, with a phase derived purely
// from the record's current contents (never stored separately, so two
// coordinators computing the phase from the same record always agree).
package consensus
