package extract

var defaultTechnicalTerms = []string{
	"Kubernetes", "Docker", "PostgreSQL", "MySQL", "SQLite", "Redis", "Kafka", "RabbitMQ",
	"Elasticsearch", "MongoDB", "GraphQL", "gRPC", "Protobuf", "React", "Vue", "Angular",
	"TypeScript", "JavaScript", "Python", "Golang", "Rust", "Java", "Kotlin", "Swift",
	"Terraform", "Ansible", "Linux", "Nginx", "GitHub", "GitLab", "Jenkins", "TensorFlow",
	"PyTorch", "AWS", "GCP", "Azure", "MinIO", "WebSocket", "OAuth", "JWT",
}

var defaultLocations = []string{
	"London", "Paris", "Berlin", "Munich", "Amsterdam", "Madrid", "Rome", "Vienna", "Zurich",
	"Dublin", "Stockholm", "Oslo", "Copenhagen", "Helsinki", "Warsaw", "Prague", "Lisbon",
	"New York", "San Francisco", "Los Angeles", "Seattle", "Boston", "Chicago", "Austin",
	"Toronto", "Vancouver", "Montreal", "Tokyo", "Osaka", "Seoul", "Beijing", "Shanghai",
	"Shenzhen", "Hangzhou", "Hong Kong", "Singapore", "Sydney", "Melbourne", "Bangalore",
	"Mumbai", "Delhi", "Dubai", "Cairo", "Nairobi", "Lagos", "Mexico City", "Buenos Aires",
	"Germany", "France", "Spain", "Italy", "China", "Japan", "India", "Canada", "Brazil",
	"Australia", "United States", "United Kingdom", "Netherlands", "Switzerland", "Sweden",
}

var defaultFirstNames = []string{
	"James", "John", "Robert", "Michael", "William", "David", "Richard", "Joseph", "Thomas",
	"Charles", "Daniel", "Matthew", "Anthony", "Mark", "Steven", "Paul", "Andrew", "Peter",
	"Kevin", "Brian", "George", "Edward", "Jason", "Ryan", "Jacob", "Alex", "Sam", "Tom",
	"Mary", "Patricia", "Jennifer", "Linda", "Elizabeth", "Barbara", "Susan", "Jessica",
	"Sarah", "Karen", "Nancy", "Lisa", "Emily", "Emma", "Olivia", "Sophia", "Anna", "Laura",
	"Alice", "Bob", "Carol", "Dave", "Eve", "Frank", "Grace", "Heidi", "Ivan", "Judy",
	"Maria", "Julia", "Hannah", "Rachel", "Rebecca", "Kate", "Claire", "Lucy", "Chloe",
	"Wei", "Li", "Ming", "Yuki", "Hiroshi", "Priya", "Raj", "Ahmed", "Fatima", "Omar",
}
