package s2

// FullFields is requested on every direct paper fetch so the cached record
// is a superset any later projection can be served from. Inline citations
// and references carry neighbor summaries only; the ingestor pages in the
// rest when the counts warrant it.
const FullFields = "paperId,corpusId,externalIds,url,title,abstract,venue,publicationVenue,year," +
	"referenceCount,citationCount,influentialCitationCount,isOpenAccess,openAccessPdf," +
	"fieldsOfStudy,s2FieldsOfStudy,publicationTypes,publicationDate,journal,authors,tldr," +
	"citations.paperId,citations.title,citations.year,citations.venue,citations.citationCount," +
	"references.paperId,references.title,references.year,references.venue,references.citationCount"

// RelationFields is requested on citation/reference pages: the edge
// attributes plus the neighbor paper fields.
const RelationFields = "contexts,intents,isInfluential,paperId,corpusId,externalIds,url,title," +
	"abstract,venue,year,referenceCount,citationCount,influentialCitationCount,isOpenAccess," +
	"openAccessPdf,fieldsOfStudy,publicationTypes,publicationDate,journal,authors"

// SearchFields is requested on search pages. Pages are cached once per
// query fingerprint regardless of the client's field expression, so they
// must hold the superset too.
const SearchFields = "paperId,corpusId,externalIds,url,title,abstract,venue,publicationVenue,year," +
	"referenceCount,citationCount,influentialCitationCount,isOpenAccess,openAccessPdf," +
	"fieldsOfStudy,s2FieldsOfStudy,publicationTypes,publicationDate,journal,authors,tldr"
